// Command raspberry はRaspberry AIのWebフロントエンドを起動する。
//
// サブコマンド:
//
//	serve        Webサーバーを起動する（デフォルト）
//	worker       期限切れセッションのクリーンアップを定期実行する
//	migrate      データベースマイグレーションを適用する
//	healthcheck  /healthを叩いて終了コードで結果を返す
package main

import (
	"fmt"
	"os"

	"github.com/hitoshi/raspberry/internal/app"
)

func main() {
	if err := app.Run(os.Stdout, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "raspberry: %v\n", err)
		os.Exit(1)
	}
}
