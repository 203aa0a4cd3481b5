// Package security はアプリケーションのセキュリティ機能を提供する。
package security

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/doyensec/safeurl"
)

// ErrPrivateDestination はURLの宛先がプライベートネットワークであることを表す。
var ErrPrivateDestination = errors.New("destination is in a private network")

// EgressGuard は外部サービス呼び出し用HTTPクライアントのインターフェースを定義する。
// IdPとGoogleのトークンエンドポイント、補完サービスの呼び出しで使用される。
type EgressGuard interface {
	// NewSafeClient はSSRF防止機能付きのHTTPクライアントを生成する。
	// safeurlライブラリにより、プライベートIP、ループバック、リンクローカル、
	// メタデータIPへのリクエストが自動的にブロックされる。
	// DNS再バインディング攻撃への対策も有効化される。
	NewSafeClient(timeout time.Duration) *http.Client

	// ClientFor は宛先URLに合わせたHTTPクライアントを返す。
	// 宛先が公開ホストならSSRF防止付き、プライベートネットワークなら通常のクライアント。
	ClientFor(rawURL string, timeout time.Duration) (*http.Client, error)

	// ValidateURL はURLの安全性を事前に検証する。
	// スキーム、ホスト、IPアドレスの検証を行い、
	// 危険なURLの場合はエラーを返す。
	ValidateURL(rawURL string) error
}

// allowedSchemes はSSRF防止で許可されるURLスキーム。
var allowedSchemes = []string{"http", "https"}

// blockedNetworks はSSRF防止でブロックされるネットワーク範囲。
// パッケージ初期化時に1回だけパースし、ValidateURLでの検証に使用する。
// safeurlはnet.DialerレベルでDNS解決後のIPアドレスも検証するため、
// DNS再バインディング攻撃にも対応している。
var blockedNetworks []net.IPNet

func init() {
	cidrs := []string{
		// プライベートIPアドレス (RFC 1918)
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		// ループバック (RFC 1122)
		"127.0.0.0/8",
		// リンクローカル (RFC 3927) - クラウドメタデータIP (169.254.169.254) を含む
		"169.254.0.0/16",
		// カレントネットワーク
		"0.0.0.0/8",
		// IPv6ループバック
		"::1/128",
		// IPv6リンクローカル
		"fe80::/10",
		// IPv6ユニークローカル
		"fc00::/7",
	}
	for _, cidr := range cidrs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(fmt.Sprintf("invalid CIDR in blockedNetworks: %s: %v", cidr, err))
		}
		blockedNetworks = append(blockedNetworks, *network)
	}
}

// egressGuard はEgressGuardの実装。
type egressGuard struct{}

// NewEgressGuard はEgressGuardの新しいインスタンスを生成する。
func NewEgressGuard() *egressGuard {
	return &egressGuard{}
}

// NewSafeClient はSSRF防止機能付きのHTTPクライアントを生成する。
// safeurlのデフォルト設定により以下がブロックされる:
//   - プライベートIPアドレス (10.0.0.0/8, 172.16.0.0/12, 192.168.0.0/16)
//   - ループバックアドレス (127.0.0.0/8, ::1)
//   - リンクローカルアドレス (169.254.0.0/16, fe80::/10)
//   - メタデータIPアドレス (169.254.169.254)
//
// safeurlはnet.DialerのControlフックでDNS解決後のIPアドレスを検証するため、
// DNS再バインディング攻撃にも対応している。
func (g *egressGuard) NewSafeClient(timeout time.Duration) *http.Client {
	return newSafeClient(timeout, 80, 443)
}

// ClientFor は宛先URLに合わせたHTTPクライアントを返す。
// 同一オリジンの補完サービス（開発環境のlocalhost等）はプライベートネットワーク上にあるため、
// その場合だけSSRF防止なしのクライアントを返す。
// 標準以外のポートを使う公開ホストは、そのポートも許可する。
func (g *egressGuard) ClientFor(rawURL string, timeout time.Duration) (*http.Client, error) {
	err := g.ValidateURL(rawURL)
	if errors.Is(err, ErrPrivateDestination) {
		return &http.Client{Timeout: timeout}, nil
	}
	if err != nil {
		return nil, err
	}

	ports := []int{80, 443}
	parsed, _ := url.Parse(rawURL)
	if p := parsed.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid port in URL: %s", rawURL)
		}
		ports = append(ports, port)
	}
	return newSafeClient(timeout, ports...), nil
}

func newSafeClient(timeout time.Duration, ports ...int) *http.Client {
	config := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes(allowedSchemes...).
		SetAllowedPorts(ports...).
		Build()

	wrappedClient := safeurl.Client(config)
	return wrappedClient.Client
}

// ValidateURL はURLの安全性を事前に検証する。
// DNS解決を伴わない静的な検証を行う。
// 宛先がプライベートネットワークの場合はErrPrivateDestinationをラップして返す。
// 注意: この検証はDNS解決前の静的チェックであるため、DNS再バインディング攻撃は
// NewSafeClientが生成するHTTPクライアント側のDialer検証で防止される。
func (g *egressGuard) ValidateURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("empty URL")
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	// スキーム検証: http/httpsのみ許可
	scheme := strings.ToLower(parsed.Scheme)
	if !isAllowedScheme(scheme) {
		return fmt.Errorf("disallowed scheme: %s (allowed: %v)", scheme, allowedSchemes)
	}

	// ホスト検証: 空ホストを拒否
	host := parsed.Hostname()
	if host == "" {
		return fmt.Errorf("empty host in URL: %s", rawURL)
	}

	// IPアドレスの場合: ブロック対象CIDRとの照合
	ip := net.ParseIP(host)
	if ip != nil {
		if isBlockedIP(ip) {
			return fmt.Errorf("blocked IP address %s: %w", ip.String(), ErrPrivateDestination)
		}
		return nil
	}

	// ホスト名の場合: localhost等の危険なホスト名を拒否
	if isBlockedHostname(host) {
		return fmt.Errorf("blocked host %s: %w", host, ErrPrivateDestination)
	}

	return nil
}

// isAllowedScheme はURLスキームが許可リストに含まれるかを検証する。
func isAllowedScheme(scheme string) bool {
	for _, allowed := range allowedSchemes {
		if strings.EqualFold(scheme, allowed) {
			return true
		}
	}
	return false
}

// isBlockedIP はIPアドレスがブロック対象のネットワーク範囲に含まれるかを検証する。
func isBlockedIP(ip net.IP) bool {
	for _, network := range blockedNetworks {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

// blockedHostnames はブロック対象のホスト名。
var blockedHostnames = []string{
	"localhost",
}

// isBlockedHostname はホスト名がブロック対象かを検証する。
func isBlockedHostname(host string) bool {
	lower := strings.ToLower(host)
	for _, blocked := range blockedHostnames {
		if lower == blocked {
			return true
		}
	}
	return false
}
