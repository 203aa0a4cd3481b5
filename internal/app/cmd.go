package app

import "fmt"

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe はチャット画面とAPIを提供するWebサーバーモード。引数なしの既定値。
	CommandServe Command = "serve"
	// CommandWorker は期限切れセッションを定期削除するワーカーモード。
	CommandWorker Command = "worker"
	// CommandMigrate はsessionsテーブルのマイグレーションを適用する。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck は起動中のサーバーの/healthを確認する。
	// distrolessイメージにはcurlがないため、Dockerヘルスチェックはこれを使う。
	CommandHealthcheck Command = "healthcheck"
)

var commands = map[string]Command{
	string(CommandServe):       CommandServe,
	string(CommandWorker):      CommandWorker,
	string(CommandMigrate):     CommandMigrate,
	string(CommandHealthcheck): CommandHealthcheck,
}

// ParseCommand はコマンドライン引数の先頭からサブコマンドを解析する。
// 引数が空の場合はCommandServeを返す。2番目以降の引数は無視する。
// 打ち間違いでサーバーが起動しないよう、未知のコマンドはエラーにする。
func ParseCommand(args []string) (Command, error) {
	if len(args) == 0 {
		return CommandServe, nil
	}

	cmd, ok := commands[args[0]]
	if !ok {
		return "", fmt.Errorf("unknown command %q (want serve, worker, migrate or healthcheck)", args[0])
	}
	return cmd, nil
}
