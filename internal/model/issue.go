// Package model はドメインモデルを定義する。
package model

import "time"

// Severity はIssueの重大度を表す。critical > high > medium > low の順に重い。
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Rank は重大度を比較用の整数に変換する。未知の値は0。
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

// IssueStatus はIssueの状態を表す。
type IssueStatus string

const (
	// IssueStatusDetected は検出済み（未修正）の状態。ロールバック後もこの状態に戻る。
	IssueStatusDetected IssueStatus = "DETECTED"
	// IssueStatusFixing は修正を適用中でクレームされている状態。
	IssueStatusFixing IssueStatus = "FIXING"
	// IssueStatusFixed は修正済みの状態。
	IssueStatusFixed IssueStatus = "FIXED"
)

// Issue は接続サイトの1ページで検出されたSEO上の問題を表す。
// TypeとSeverityは検出後に変更されない。
type Issue struct {
	ID             string
	ConnectionID   string
	Type           string
	Severity       Severity
	PageURL        string
	ResourceRef    string // CMS上のリソース位置（例: products/123）。カスタムCMSでは空
	Title          string
	Detail         string
	Recommendation string
	Status         IssueStatus
	ClaimedAt      *time.Time
	DetectedAt     time.Time
	UpdatedAt      time.Time
}
