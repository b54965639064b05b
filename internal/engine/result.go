package engine

import (
	"errors"
	"sort"

	"github.com/google/uuid"
	"github.com/hitoshi/seopilot/internal/model"
)

// OutcomeStatus は1件の修正処理の結果。
type OutcomeStatus string

const (
	OutcomeApplied          OutcomeStatus = "applied"
	OutcomeFailed           OutcomeStatus = "failed"
	OutcomeStaged           OutcomeStatus = "staged"
	OutcomeSkipped          OutcomeStatus = "skipped"
	OutcomeInProgress       OutcomeStatus = "in_progress"
	OutcomeRejected         OutcomeStatus = "rejected"
	OutcomeAlreadyProcessed OutcomeStatus = "already_processed"
)

// Outcome は1件のIssueまたは修正に対する処理結果。
type Outcome struct {
	IssueID   string        `json:"issue_id,omitempty"`
	FixID     string        `json:"fix_id,omitempty"`
	Status    OutcomeStatus `json:"status"`
	ErrorCode string        `json:"error_code,omitempty"`
	Error     string        `json:"error,omitempty"`
	Retryable bool          `json:"retryable,omitempty"`

	cause error
}

// BatchResult はexecuteFixesとapprovePlanの集計結果。
type BatchResult struct {
	FixesApplied int       `json:"fixes_applied"`
	FixesFailed  int       `json:"fixes_failed"`
	FixesStaged  int       `json:"fixes_staged"`
	Skipped      int       `json:"skipped"`
	InProgress   int       `json:"in_progress"`
	Rejected     int       `json:"rejected"`
	Outcomes     []Outcome `json:"data"`
}

func newBatchResult(outcomes []Outcome) *BatchResult {
	r := &BatchResult{Outcomes: outcomes}
	for _, o := range outcomes {
		switch o.Status {
		case OutcomeApplied:
			r.FixesApplied++
		case OutcomeFailed:
			r.FixesFailed++
		case OutcomeStaged:
			r.FixesStaged++
		case OutcomeInProgress:
			r.InProgress++
		case OutcomeRejected:
			r.Rejected++
		default:
			r.Skipped++
		}
	}
	if r.Outcomes == nil {
		r.Outcomes = []Outcome{}
	}
	return r
}

// RetryableFixIDs はリトライ可能な失敗となった修正のIDを返す。
func (r *BatchResult) RetryableFixIDs() []string {
	var ids []string
	for _, o := range r.Outcomes {
		if o.Status == OutcomeFailed && o.Retryable && o.FixID != "" {
			ids = append(ids, o.FixID)
		}
	}
	return ids
}

// ApproveResult はapproveFixの結果。
type ApproveResult struct {
	Success   bool   `json:"success"`
	FixID     string `json:"fix_id"`
	ErrorCode string `json:"error_code,omitempty"`
	Error     string `json:"error,omitempty"`
	Retryable bool   `json:"-"`
}

// SortIssues はIssueを重大度降順、検出日時降順に並べ替える。
func SortIssues(issues []*model.Issue) {
	sort.SliceStable(issues, func(i, j int) bool {
		a, b := issues[i], issues[j]
		if a.Severity.Rank() != b.Severity.Rank() {
			return a.Severity.Rank() > b.Severity.Rank()
		}
		return a.DetectedAt.After(b.DetectedAt)
	})
}

// SortFixes は修正を紐付くIssueの重大度降順、検出日時降順に並べ替える。
// Issueに紐付かない修正は最後に作成順で並ぶ。
func SortFixes(fixes []*model.Fix) {
	sort.SliceStable(fixes, func(i, j int) bool {
		a, b := fixes[i], fixes[j]
		if a.HasIssue() != b.HasIssue() {
			return a.HasIssue()
		}
		if !a.HasIssue() {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		if a.Severity.Rank() != b.Severity.Rank() {
			return a.Severity.Rank() > b.Severity.Rank()
		}
		switch {
		case a.DetectedAt == nil || b.DetectedAt == nil:
			return a.DetectedAt != nil
		case !a.DetectedAt.Equal(*b.DetectedAt):
			return a.DetectedAt.After(*b.DetectedAt)
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
}

func newUUID() string {
	return uuid.NewString()
}

func asAPIError(err error) *model.APIError {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return nil
}
