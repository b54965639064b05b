package model

import "time"

// ExecutionMode は接続ごとの修正実行ポリシー。
type ExecutionMode string

const (
	// ExecutionModeAutomatic は検出した修正を即時適用する。
	ExecutionModeAutomatic ExecutionMode = "AUTOMATIC"
	// ExecutionModePlan は修正をまとめてステージし、一括承認で適用する。
	ExecutionModePlan ExecutionMode = "PLAN"
	// ExecutionModeApprove は修正ごとに個別承認を必要とする。
	ExecutionModeApprove ExecutionMode = "APPROVE"
)

// Platform は接続先CMSの種類。
type Platform string

const (
	PlatformShopify   Platform = "shopify"
	PlatformWordPress Platform = "wordpress"
	PlatformCustom    Platform = "custom"
)

// Connection はユーザーと外部CMSサイトの接続を表す。
type Connection struct {
	ID            string
	UserID        string
	Platform      Platform
	SiteURL       string
	APIEndpoint   string // カスタムCMSのWebhook URL。Shopify/WordPressでは空ならSiteURLを使う
	AccessToken   string
	APIUser       string // WordPressのアプリケーションパスワード用ユーザー名
	ExecutionMode ExecutionMode
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// OwnedBy は接続が指定ユーザーの所有かどうかを返す。
func (c *Connection) OwnedBy(userID string) bool {
	return c != nil && userID != "" && c.UserID == userID
}
