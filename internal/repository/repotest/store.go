// Package repotest はテスト用のインメモリリポジトリを提供する。
// 状態遷移はPostgreSQL実装と同じ条件付き更新の意味論で、単一のミューテックスの下で行う。
package repotest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hitoshi/seopilot/internal/model"
	"github.com/hitoshi/seopilot/internal/repository"
)

// Store は全リポジトリが共有するインメモリの状態。
type Store struct {
	mu          sync.Mutex
	connections map[string]*model.Connection
	issues      map[string]*model.Issue
	fixes       map[string]*model.Fix
	checkpoints map[string]*model.Checkpoint
	events      []*model.FixEvent
	quota       map[string]int
	jobs        map[string]*model.Job

	// MarkAppliedErr がnilでなければMarkAppliedはこのエラーを返す
	MarkAppliedErr error
}

// New は空のStoreを生成する。
func New() *Store {
	return &Store{
		connections: make(map[string]*model.Connection),
		issues:      make(map[string]*model.Issue),
		fixes:       make(map[string]*model.Fix),
		checkpoints: make(map[string]*model.Checkpoint),
		quota:       make(map[string]int),
		jobs:        make(map[string]*model.Job),
	}
}

// AddConnection は接続を登録する。
func (s *Store) AddConnection(c *model.Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	s.connections[c.ID] = &cp
}

// AddIssue はIssueを登録する。Statusが空の場合はDETECTEDにする。
func (s *Store) AddIssue(i *model.Issue) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *i
	if cp.Status == "" {
		cp.Status = model.IssueStatusDetected
	}
	s.issues[i.ID] = &cp
}

// AddFix は修正をそのまま登録する。
func (s *Store) AddFix(f *model.Fix) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *f
	s.fixes[f.ID] = &cp
}

// Issue はIssueのコピーを返す。
func (s *Store) Issue(id string) *model.Issue {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.issues[id]
	if !ok {
		return nil
	}
	cp := *i
	return &cp
}

// Fix は修正のコピーを返す。
func (s *Store) Fix(id string) *model.Fix {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fixCopy(id)
}

// Fixes はすべての修正のコピーを作成順で返す。
func (s *Store) Fixes() []*model.Fix {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Fix
	for id := range s.fixes {
		out = append(out, s.fixCopy(id))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Events は修正の監査イベントを記録順で返す。
func (s *Store) Events(fixID string) []model.FixEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.FixEvent
	for _, e := range s.events {
		if e.FixID == fixID {
			out = append(out, *e)
		}
	}
	return out
}

// QuotaUsed は期間内の適用数を返す。
func (s *Store) QuotaUsed(userID, period string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.quota[userID+"|"+period]
}

// SetQuotaUsed は期間内の適用数を設定する。
func (s *Store) SetQuotaUsed(userID, period string, used int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quota[userID+"|"+period] = used
}

// Job はジョブのコピーを返す。
func (s *Store) Job(id string) *model.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil
	}
	cp := *j
	return &cp
}

// JobsByType は指定種別のジョブのコピーを実行予定時刻順で返す。
func (s *Store) JobsByType(jobType string) []*model.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Job
	for _, j := range s.jobs {
		if j.Type == jobType {
			cp := *j
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RunAt.Before(out[j].RunAt) })
	return out
}

// fixCopy はIssueの重大度と検出日時を結合した修正のコピーを返す。呼び出し側がロックを保持する。
func (s *Store) fixCopy(id string) *model.Fix {
	f, ok := s.fixes[id]
	if !ok {
		return nil
	}
	cp := *f
	if issue, ok := s.issues[f.IssueID]; ok {
		cp.Severity = issue.Severity
		detected := issue.DetectedAt
		cp.DetectedAt = &detected
	}
	return &cp
}

func (s *Store) appendEvent(e *model.FixEvent) {
	if e == nil {
		return
	}
	cp := *e
	s.events = append(s.events, &cp)
}

// Connections はConnectionRepositoryを返す。
func (s *Store) Connections() repository.ConnectionRepository { return connectionRepo{s} }

// Issues はIssueRepositoryを返す。
func (s *Store) Issues() repository.IssueRepository { return issueRepo{s} }

// FixRepo はFixRepositoryを返す。
func (s *Store) FixRepo() repository.FixRepository { return fixRepo{s} }

// Checkpoints はCheckpointRepositoryを返す。
func (s *Store) Checkpoints() repository.CheckpointRepository { return checkpointRepo{s} }

// Quota はQuotaRepositoryを返す。
func (s *Store) Quota() repository.QuotaRepository { return quotaRepo{s} }

// Jobs はJobRepositoryを返す。
func (s *Store) Jobs() repository.JobRepository { return jobRepo{s} }

type connectionRepo struct{ s *Store }

func (r connectionRepo) FindByID(_ context.Context, id string) (*model.Connection, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.connections[id]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

type issueRepo struct{ s *Store }

func (r issueRepo) FindByID(_ context.Context, id string) (*model.Issue, error) {
	return r.s.Issue(id), nil
}

func (r issueRepo) ListOpenByConnection(_ context.Context, connectionID string) ([]*model.Issue, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*model.Issue
	for _, i := range r.s.issues {
		if i.ConnectionID == connectionID && i.Status == model.IssueStatusDetected {
			cp := *i
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].Severity.Rank() != out[b].Severity.Rank() {
			return out[a].Severity.Rank() > out[b].Severity.Rank()
		}
		return out[a].DetectedAt.After(out[b].DetectedAt)
	})
	return out, nil
}

func (r issueRepo) Claim(_ context.Context, id string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	i, ok := r.s.issues[id]
	if !ok || i.Status != model.IssueStatusDetected {
		return false, nil
	}
	now := time.Now()
	i.Status = model.IssueStatusFixing
	i.ClaimedAt = &now
	return true, nil
}

func (r issueRepo) Release(_ context.Context, id string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if i, ok := r.s.issues[id]; ok && i.Status == model.IssueStatusFixing {
		i.Status = model.IssueStatusDetected
		i.ClaimedAt = nil
	}
	return nil
}

type fixRepo struct{ s *Store }

func (r fixRepo) Create(_ context.Context, fix *model.Fix) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if fix.HasIssue() {
		for _, f := range r.s.fixes {
			if f.IssueID == fix.IssueID && f.Status == model.FixStatusPending {
				return false, nil
			}
		}
	}
	cp := *fix
	cp.Status = model.FixStatusPending
	r.s.fixes[fix.ID] = &cp
	return true, nil
}

func (r fixRepo) FindByID(_ context.Context, id string) (*model.Fix, error) {
	return r.s.Fix(id), nil
}

func (r fixRepo) FindPendingByIssue(_ context.Context, issueID string) (*model.Fix, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for id, f := range r.s.fixes {
		if f.IssueID == issueID && f.Status == model.FixStatusPending {
			return r.s.fixCopy(id), nil
		}
	}
	return nil, nil
}

func (r fixRepo) ListPendingByConnection(_ context.Context, connectionID string) ([]*model.Fix, error) {
	r.s.mu.Lock()
	var out []*model.Fix
	for id, f := range r.s.fixes {
		if f.ConnectionID == connectionID && f.Status == model.FixStatusPending && !f.InFlight {
			out = append(out, r.s.fixCopy(id))
		}
	}
	r.s.mu.Unlock()
	sortFixes(out)
	return out, nil
}

func (r fixRepo) ListAppliedSince(_ context.Context, connectionID string, since time.Time) ([]*model.Fix, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*model.Fix
	for id, f := range r.s.fixes {
		if f.ConnectionID == connectionID && f.Status == model.FixStatusApplied &&
			f.AppliedAt != nil && !f.AppliedAt.Before(since) {
			out = append(out, r.s.fixCopy(id))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AppliedAt.After(*out[j].AppliedAt) })
	return out, nil
}

func (r fixRepo) Claim(_ context.Context, id string, allowRetry bool) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	f, ok := r.s.fixes[id]
	if !ok || f.InFlight {
		return false, nil
	}
	if f.Status != model.FixStatusPending && !(allowRetry && f.Status == model.FixStatusFailed && f.Retryable) {
		return false, nil
	}
	now := time.Now()
	f.InFlight = true
	f.ClaimedAt = &now
	return true, nil
}

func (r fixRepo) MarkApplied(_ context.Context, fix *model.Fix, event *model.FixEvent) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.MarkAppliedErr != nil {
		return r.s.MarkAppliedErr
	}
	f, ok := r.s.fixes[fix.ID]
	if !ok || !f.InFlight || (f.Status != model.FixStatusPending && f.Status != model.FixStatusFailed) {
		return repository.ErrClaimLost
	}
	f.Status = model.FixStatusApplied
	f.BeforeState = fix.BeforeState
	f.AfterState = fix.AfterState
	f.AppliedAt = fix.AppliedAt
	f.RollbackDeadline = fix.RollbackDeadline
	f.ErrorCode, f.ErrorMessage, f.Retryable = "", "", false
	f.Attempts++
	f.InFlight = false
	f.ClaimedAt = nil
	if i, ok := r.s.issues[f.IssueID]; ok {
		i.Status = model.IssueStatusFixed
		i.ClaimedAt = nil
	}
	r.s.appendEvent(event)
	return nil
}

func (r fixRepo) MarkFailed(_ context.Context, fix *model.Fix, event *model.FixEvent) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	f, ok := r.s.fixes[fix.ID]
	if !ok || !f.InFlight || (f.Status != model.FixStatusPending && f.Status != model.FixStatusFailed) {
		return repository.ErrClaimLost
	}
	f.Status = model.FixStatusFailed
	f.ErrorCode = fix.ErrorCode
	f.ErrorMessage = fix.ErrorMessage
	f.Retryable = fix.Retryable
	f.Attempts++
	f.InFlight = false
	f.ClaimedAt = nil
	if i, ok := r.s.issues[f.IssueID]; ok && i.Status == model.IssueStatusFixing {
		i.Status = model.IssueStatusDetected
		i.ClaimedAt = nil
	}
	r.s.appendEvent(event)
	return nil
}

func (r fixRepo) ClaimForRollback(_ context.Context, id string, now time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	f, ok := r.s.fixes[id]
	if !ok || f.Status != model.FixStatusApplied || f.InFlight || !f.CanRollbackAt(now) {
		return false, nil
	}
	f.InFlight = true
	f.ClaimedAt = &now
	return true, nil
}

func (r fixRepo) MarkRolledBack(_ context.Context, fix *model.Fix, event *model.FixEvent) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	f, ok := r.s.fixes[fix.ID]
	if !ok || f.Status != model.FixStatusApplied || !f.InFlight {
		return repository.ErrClaimLost
	}
	f.Status = model.FixStatusRolledBack
	f.RolledBackAt = fix.RolledBackAt
	f.InFlight = false
	f.ClaimedAt = nil
	if i, ok := r.s.issues[f.IssueID]; ok && i.Status == model.IssueStatusFixed {
		i.Status = model.IssueStatusDetected
	}
	r.s.appendEvent(event)
	return nil
}

func (r fixRepo) ReleaseClaim(_ context.Context, id string, event *model.FixEvent) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if f, ok := r.s.fixes[id]; ok {
		f.InFlight = false
		f.ClaimedAt = nil
	}
	r.s.appendEvent(event)
	return nil
}

func (r fixRepo) Supersede(_ context.Context, fix *model.Fix, event *model.FixEvent) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	f, ok := r.s.fixes[fix.ID]
	if !ok || f.InFlight {
		return false, nil
	}
	if f.Status != model.FixStatusPending && !(f.Status == model.FixStatusFailed && f.Retryable) {
		return false, nil
	}
	f.Status = model.FixStatusFailed
	f.ErrorCode = fix.ErrorCode
	f.ErrorMessage = fix.ErrorMessage
	f.Retryable = false
	r.s.appendEvent(event)
	return true, nil
}

func (r fixRepo) DisableRetries(_ context.Context, issueID, keepFixID string) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for id, f := range r.s.fixes {
		if id != keepFixID && f.IssueID == issueID && f.Status == model.FixStatusFailed && f.Retryable && !f.InFlight {
			f.Retryable = false
			n++
		}
	}
	return n, nil
}

// sortFixes はPostgreSQL実装のORDER BYと同じ順に並べる。
func sortFixes(fixes []*model.Fix) {
	sort.SliceStable(fixes, func(i, j int) bool {
		a, b := fixes[i], fixes[j]
		if a.Severity.Rank() != b.Severity.Rank() {
			return a.Severity.Rank() > b.Severity.Rank()
		}
		if (a.DetectedAt == nil) != (b.DetectedAt == nil) {
			return a.DetectedAt != nil
		}
		if a.DetectedAt != nil && !a.DetectedAt.Equal(*b.DetectedAt) {
			return a.DetectedAt.After(*b.DetectedAt)
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
}

type checkpointRepo struct{ s *Store }

func (r checkpointRepo) Create(_ context.Context, cp *model.Checkpoint) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c := *cp
	r.s.checkpoints[cp.ID] = &c
	return nil
}

func (r checkpointRepo) FindByID(_ context.Context, id string) (*model.Checkpoint, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.checkpoints[id]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (r checkpointRepo) ListByConnection(_ context.Context, connectionID string) ([]*model.Checkpoint, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*model.Checkpoint
	for _, c := range r.s.checkpoints {
		if c.ConnectionID == connectionID {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (r checkpointRepo) Delete(_ context.Context, id string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	delete(r.s.checkpoints, id)
	return nil
}

type quotaRepo struct{ s *Store }

func (r quotaRepo) Used(_ context.Context, userID, period string) (int, error) {
	return r.s.QuotaUsed(userID, period), nil
}

func (r quotaRepo) Consume(_ context.Context, userID, period string, limit int) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	key := userID + "|" + period
	if limit <= 0 || r.s.quota[key] >= limit {
		return false, nil
	}
	r.s.quota[key]++
	return true, nil
}

func (r quotaRepo) Refund(_ context.Context, userID, period string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	key := userID + "|" + period
	if r.s.quota[key] > 0 {
		r.s.quota[key]--
	}
	return nil
}

type jobRepo struct{ s *Store }

func (r jobRepo) Create(_ context.Context, job *model.Job) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	j := *job
	r.s.jobs[job.ID] = &j
	return nil
}

func (r jobRepo) FindByID(_ context.Context, id string) (*model.Job, error) {
	return r.s.Job(id), nil
}

func (r jobRepo) ClaimDue(_ context.Context, limit int) ([]*model.Job, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	now := time.Now()
	var due []*model.Job
	for _, j := range r.s.jobs {
		if j.Status == model.JobStatusQueued && !j.RunAt.After(now) {
			due = append(due, j)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].RunAt.Before(due[j].RunAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	out := make([]*model.Job, 0, len(due))
	for _, j := range due {
		j.Status = model.JobStatusRunning
		j.Attempts++
		j.StartedAt = &now
		cp := *j
		out = append(out, &cp)
	}
	return out, nil
}

func (r jobRepo) UpdateProgress(_ context.Context, id string, progress int) error {
	return r.update(id, func(j *model.Job) { j.Progress = progress })
}

func (r jobRepo) Complete(_ context.Context, id string) error {
	return r.update(id, func(j *model.Job) {
		now := time.Now()
		j.Status = model.JobStatusSucceeded
		j.Progress = 100
		j.LastError = ""
		j.FinishedAt = &now
	})
}

func (r jobRepo) Fail(_ context.Context, id string, reason string) error {
	return r.update(id, func(j *model.Job) {
		now := time.Now()
		j.Status = model.JobStatusFailed
		j.LastError = reason
		j.FinishedAt = &now
	})
}

func (r jobRepo) Reschedule(_ context.Context, id string, runAt time.Time, reason string) error {
	return r.update(id, func(j *model.Job) {
		j.Status = model.JobStatusQueued
		j.RunAt = runAt
		j.LastError = reason
	})
}

func (r jobRepo) update(id string, fn func(j *model.Job)) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if j, ok := r.s.jobs[id]; ok {
		fn(j)
		j.UpdatedAt = time.Now()
	}
	return nil
}
