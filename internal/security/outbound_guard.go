// Package security は外部CMSへの送信とCMSに書き込む値の安全性を扱う。
package security

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/doyensec/safeurl"
)

// OutboundGuard は接続先CMSへの送信先を制限する。
// カスタムCMSのWebhook URLと公開ページURLはユーザーが登録するため、
// 内部ネットワークへの到達（SSRF）を防ぐ必要がある。
type OutboundGuard interface {
	// NewClient は内部アドレスへの接続をDialerレベルで拒否するHTTPクライアントを返す。
	NewClient(timeout time.Duration) *http.Client

	// ValidateURL はDNS解決を行わずにURLを静的に検証する。
	ValidateURL(rawURL string) error
}

var allowedSchemes = []string{"http", "https"}

// 静的検証で拒否するネットワーク範囲
var blockedNetworks = mustParseCIDRs(
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"100.64.0.0/10", // キャリアグレードNAT
	"127.0.0.0/8",
	"169.254.0.0/16", // クラウドメタデータ（169.254.169.254）を含む
	"0.0.0.0/8",
	"::1/128",
	"fe80::/10",
	"fc00::/7",
)

// 拒否するホスト名と接尾辞
var (
	blockedHosts        = []string{"localhost", "metadata.google.internal"}
	blockedHostSuffixes = []string{".localhost", ".internal", ".local"}
)

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic(fmt.Sprintf("blockedNetworksのCIDRが不正です: %s: %v", c, err))
		}
		nets = append(nets, n)
	}
	return nets
}

type outboundGuard struct {
	ports []int
}

// NewOutboundGuard はOutboundGuardを生成する。portsは許可する宛先ポートで、空の場合は80と443。
func NewOutboundGuard(ports ...int) OutboundGuard {
	if len(ports) == 0 {
		ports = []int{80, 443}
	}
	return &outboundGuard{ports: ports}
}

// NewClient はsafeurlでラップしたHTTPクライアントを返す。
// 接続時にDNS解決後のIPアドレスを検証するため、DNSリバインディングも防げる。
func (g *outboundGuard) NewClient(timeout time.Duration) *http.Client {
	cfg := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes(allowedSchemes...).
		SetAllowedPorts(g.ports...).
		Build()
	return safeurl.Client(cfg).Client
}

// ValidateURL は登録時や送信前の事前チェック。
// ホスト名の解決結果はNewClientのクライアント側で検証される。
func (g *outboundGuard) ValidateURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("URLが空です")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("URLの形式が不正です: %w", err)
	}

	scheme := strings.ToLower(u.Scheme)
	allowed := false
	for _, s := range allowedSchemes {
		if scheme == s {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("許可されていないスキームです: %q", u.Scheme)
	}
	if u.User != nil {
		return fmt.Errorf("URLに認証情報を含めることはできません")
	}

	host := strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
	if host == "" {
		return fmt.Errorf("ホストが空です: %s", rawURL)
	}

	if ip := net.ParseIP(host); ip != nil {
		for _, n := range blockedNetworks {
			if n.Contains(ip) {
				return fmt.Errorf("内部アドレスへの送信は許可されていません: %s", ip)
			}
		}
		return nil
	}

	for _, b := range blockedHosts {
		if host == b {
			return fmt.Errorf("送信先として許可されていないホストです: %s", host)
		}
	}
	for _, suffix := range blockedHostSuffixes {
		if strings.HasSuffix(host, suffix) {
			return fmt.Errorf("送信先として許可されていないホストです: %s", host)
		}
	}
	return nil
}
