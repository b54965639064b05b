package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hitoshi/seopilot/internal/cms"
	"github.com/hitoshi/seopilot/internal/model"
	"github.com/hitoshi/seopilot/internal/policy"
)

// ExecuteFixes は接続のIssueに対する修正を実行モードに応じて適用またはステージする。
// issueIDsが空の場合は接続のDETECTED状態のIssueすべてを対象にする。
// Issueは重大度降順、検出日時降順で処理し、1件の失敗は他のIssueに影響しない。
func (e *Engine) ExecuteFixes(ctx context.Context, connectionID, userID string, issueIDs []string) (*BatchResult, error) {
	start := e.now()
	conn, err := e.authorize(ctx, connectionID, userID)
	if err != nil {
		return nil, err
	}

	issues, missing, err := e.loadIssues(ctx, conn.ID, issueIDs)
	if err != nil {
		return nil, err
	}
	SortIssues(issues)

	s := &session{conn: conn, userID: userID}
	if conn.ExecutionMode == model.ExecutionModeAutomatic && len(issues) > 0 {
		if s, err = e.openSession(conn, userID); err != nil {
			return nil, err
		}
	}

	outcomes := make([]Outcome, len(issues))
	e.runBounded(ctx, len(issues), func(i int) {
		outcomes[i] = e.processIssue(ctx, s, issues[i])
	})
	result := newBatchResult(append(outcomes, missing...))

	e.logger.Info("修正の実行が完了しました",
		slog.String("connection_id", conn.ID),
		slog.String("mode", string(conn.ExecutionMode)),
		slog.Int("issue_count", len(issues)),
		slog.Int("applied", result.FixesApplied),
		slog.Int("failed", result.FixesFailed),
		slog.Int("staged", result.FixesStaged),
		slog.Float64("duration_ms", float64(e.now().Sub(start).Milliseconds())),
	)
	return result, nil
}

// loadIssues は対象のIssueを取得する。存在しないIDや他の接続のIssueはスキップの結果として返す。
func (e *Engine) loadIssues(ctx context.Context, connectionID string, issueIDs []string) ([]*model.Issue, []Outcome, error) {
	if len(issueIDs) == 0 {
		issues, err := e.issues.ListOpenByConnection(ctx, connectionID)
		if err != nil {
			return nil, nil, fmt.Errorf("Issue一覧の取得に失敗しました: %w", err)
		}
		return issues, nil, nil
	}

	var (
		issues  []*model.Issue
		missing []Outcome
		seen    = make(map[string]bool, len(issueIDs))
	)
	for _, id := range issueIDs {
		if seen[id] {
			continue
		}
		seen[id] = true

		issue, err := e.issues.FindByID(ctx, id)
		if err != nil {
			return nil, nil, fmt.Errorf("Issueの取得に失敗しました: %w", err)
		}
		if issue == nil || issue.ConnectionID != connectionID {
			apiErr := model.NewIssueNotFoundError(id)
			missing = append(missing, Outcome{
				IssueID:   id,
				Status:    OutcomeSkipped,
				ErrorCode: apiErr.Code,
				Error:     apiErr.Message,
			})
			continue
		}
		issues = append(issues, issue)
	}
	return issues, missing, nil
}

// processIssue は1件のIssueについて修正案を組み立て、実行経路に従って処理する。
func (e *Engine) processIssue(ctx context.Context, s *session, issue *model.Issue) Outcome {
	out := Outcome{IssueID: issue.ID}
	switch issue.Status {
	case model.IssueStatusDetected:
	case model.IssueStatusFixing:
		out.Status = OutcomeInProgress
		out.ErrorCode = model.ErrCodeFixAlreadyInProgress
		return out
	default:
		out.Status = OutcomeSkipped
		return out
	}

	candidate, err := e.catalog.Candidate(issue)
	if err != nil {
		return withError(out, OutcomeSkipped, err)
	}
	candidate.ProposedValue = e.sanitizer.Sanitize(candidate.ProposedValue)

	decision, err := e.policy.Classify(ctx, policy.Input{
		Mode:      s.conn.ExecutionMode,
		Issue:     issue,
		Candidate: candidate,
		UserID:    s.userID,
	})
	if err != nil {
		return withError(out, OutcomeRejected, err)
	}

	if decision != policy.DecisionApplyNow {
		fix, err := e.ensurePending(ctx, candidate)
		if err != nil {
			return withError(out, OutcomeFailed, err)
		}
		e.metrics.FixStaged(string(s.conn.ExecutionMode))
		out.FixID = fix.ID
		out.Status = OutcomeStaged
		return out
	}

	ok, err := e.issues.Claim(ctx, issue.ID)
	if err != nil {
		return withError(out, OutcomeFailed, err)
	}
	if !ok {
		out.Status = OutcomeInProgress
		out.ErrorCode = model.ErrCodeFixAlreadyInProgress
		return out
	}

	fix, err := e.ensurePending(ctx, candidate)
	if err == nil {
		out.FixID = fix.ID
		ok, err = e.fixes.Claim(ctx, fix.ID, false)
	}
	if err != nil || !ok {
		if rerr := e.issues.Release(ctx, issue.ID); rerr != nil {
			e.logger.Error("Issueクレームの解放に失敗しました",
				slog.String("issue_id", issue.ID),
				slog.String("error", rerr.Error()),
			)
		}
		if err != nil {
			return withError(out, OutcomeFailed, err)
		}
		out.Status = OutcomeInProgress
		out.ErrorCode = model.ErrCodeFixAlreadyInProgress
		return out
	}
	return e.applyClaimed(ctx, s, fix)
}

// ensurePending はIssueの適用待ち修正を作成する。既にある場合はそれを返す。
func (e *Engine) ensurePending(ctx context.Context, candidate *model.Fix) (*model.Fix, error) {
	now := e.now()
	candidate.ID = e.newID()
	candidate.Status = model.FixStatusPending
	candidate.CreatedAt = now
	candidate.UpdatedAt = now

	created, err := e.fixes.Create(ctx, candidate)
	if err != nil {
		return nil, err
	}
	fix := candidate
	if !created {
		existing, err := e.fixes.FindPendingByIssue(ctx, candidate.IssueID)
		if err != nil {
			return nil, err
		}
		if existing == nil {
			return nil, fmt.Errorf("適用待ち修正の作成が競合しました: issue %s", candidate.IssueID)
		}
		fix = existing
	}

	// 同じIssueの古い失敗修正がリトライで適用されると、この修正が適用できなくなる
	if fix.HasIssue() {
		n, err := e.fixes.DisableRetries(ctx, fix.IssueID, fix.ID)
		if err != nil {
			return nil, err
		}
		if n > 0 {
			e.logger.Info("古い修正のリトライを無効化しました",
				slog.String("issue_id", fix.IssueID),
				slog.String("fix_id", fix.ID),
				slog.Int64("disabled", n),
			)
		}
	}
	return fix, nil
}

// ApprovePlan は接続の適用待ち修正をすべて適用する。
// 修正ごとに失敗を分離し、1件の失敗で一括処理を中断しない。
func (e *Engine) ApprovePlan(ctx context.Context, connectionID, userID string) (*BatchResult, error) {
	start := e.now()
	conn, err := e.authorize(ctx, connectionID, userID)
	if err != nil {
		return nil, err
	}

	fixes, err := e.fixes.ListPendingByConnection(ctx, conn.ID)
	if err != nil {
		return nil, fmt.Errorf("適用待ち修正の取得に失敗しました: %w", err)
	}
	if len(fixes) == 0 {
		return newBatchResult(nil), nil
	}
	SortFixes(fixes)

	s, err := e.openSession(conn, userID)
	if err != nil {
		return nil, err
	}

	outcomes := make([]Outcome, len(fixes))
	e.runBounded(ctx, len(fixes), func(i int) {
		outcomes[i] = e.approveOne(ctx, s, fixes[i], false)
	})
	result := newBatchResult(outcomes)

	e.logger.Info("一括承認が完了しました",
		slog.String("connection_id", conn.ID),
		slog.Int("fix_count", len(fixes)),
		slog.Int("applied", result.FixesApplied),
		slog.Int("failed", result.FixesFailed),
		slog.Float64("duration_ms", float64(e.now().Sub(start).Milliseconds())),
	)
	return result, nil
}

// ApproveFix は1件の適用待ち修正を適用する。
// 適用待ちでない修正にはFIX_ALREADY_PROCESSEDを返し、CMSを呼び出さない。
func (e *Engine) ApproveFix(ctx context.Context, fixID, userID string) (*ApproveResult, error) {
	fix, err := e.fixes.FindByID(ctx, fixID)
	if err != nil {
		return nil, fmt.Errorf("修正の取得に失敗しました: %w", err)
	}
	if fix == nil {
		return nil, model.NewFixNotFoundError(fixID)
	}
	conn, err := e.authorize(ctx, fix.ConnectionID, userID)
	if err != nil {
		return nil, err
	}
	if fix.Status != model.FixStatusPending {
		return nil, model.NewFixAlreadyProcessedError(fix.ID, fix.Status)
	}

	s, err := e.openSession(conn, userID)
	if err != nil {
		return nil, err
	}

	out := e.approveOne(ctx, s, fix, false)
	switch out.Status {
	case OutcomeApplied:
		return &ApproveResult{Success: true, FixID: fix.ID}, nil
	case OutcomeAlreadyProcessed:
		current, err := e.fixes.FindByID(ctx, fix.ID)
		if err != nil {
			return nil, fmt.Errorf("修正の取得に失敗しました: %w", err)
		}
		status := model.FixStatusApplied
		if current != nil {
			status = current.Status
		}
		return nil, model.NewFixAlreadyProcessedError(fix.ID, status)
	case OutcomeInProgress:
		return nil, model.NewFixAlreadyInProgressError(fix.IssueID)
	default:
		return &ApproveResult{
			Success:   false,
			FixID:     fix.ID,
			ErrorCode: out.ErrorCode,
			Error:     out.Error,
			Retryable: out.Retryable,
		}, nil
	}
}

// RetryFix はリトライ可能な失敗となった修正、または適用待ちの修正を再度適用する。
// ジョブランナーから呼ばれる。再びリトライ可能な失敗となった場合はそのエラーを返す。
func (e *Engine) RetryFix(ctx context.Context, fixID string) (*Outcome, error) {
	fix, err := e.fixes.FindByID(ctx, fixID)
	if err != nil {
		return nil, fmt.Errorf("修正の取得に失敗しました: %w", err)
	}
	if fix == nil {
		return nil, model.NewFixNotFoundError(fixID)
	}
	retryable := fix.Status == model.FixStatusPending ||
		(fix.Status == model.FixStatusFailed && fix.Retryable)
	if !retryable {
		return &Outcome{IssueID: fix.IssueID, FixID: fix.ID, Status: OutcomeAlreadyProcessed}, nil
	}

	conn, err := e.connections.FindByID(ctx, fix.ConnectionID)
	if err != nil {
		return nil, fmt.Errorf("接続の取得に失敗しました: %w", err)
	}
	if conn == nil {
		return nil, model.NewConnectionNotFoundError(fix.ConnectionID)
	}
	s, err := e.openSession(conn, conn.UserID)
	if err != nil {
		return nil, err
	}

	out := e.approveOne(ctx, s, fix, true)
	if out.Status == OutcomeFailed && out.Retryable && out.cause != nil {
		return &out, out.cause
	}
	if out.Status == OutcomeInProgress {
		// 他のワーカーが処理中。ジョブとしてはリトライさせる
		return &out, cms.NewError(cms.KindTransient, conn.Platform, "apply", "修正は他の処理が適用中です")
	}
	return &out, nil
}

// approveOne はクレームを取得してから修正を適用する。
func (e *Engine) approveOne(ctx context.Context, s *session, fix *model.Fix, allowRetry bool) Outcome {
	out := Outcome{IssueID: fix.IssueID, FixID: fix.ID}
	res, err := e.claimFix(ctx, fix, allowRetry)
	if err != nil {
		return withError(out, OutcomeFailed, err)
	}
	switch res {
	case claimInProgress:
		out.Status = OutcomeInProgress
		out.ErrorCode = model.ErrCodeFixAlreadyInProgress
		return out
	case claimAlreadyProcessed:
		out.Status = OutcomeAlreadyProcessed
		out.ErrorCode = model.ErrCodeFixAlreadyProcessed
		return out
	}
	return e.applyClaimed(ctx, s, fix)
}

// runBounded はn件の処理を最大e.concurrency並列で実行する。
// contextがキャンセルされた後の未着手分は実行しない。
func (e *Engine) runBounded(ctx context.Context, n int, fn func(i int)) {
	sem := make(chan struct{}, e.concurrency)
	var wg sync.WaitGroup

	for i := 0; i < n; i++ {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case sem <- struct{}{}: // semaphore取得
		}

		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }() // semaphore解放
			fn(i)
		}(i)
	}
	wg.Wait()
}

// withError はエラーをOutcomeに反映する。APIErrorであればそのコードを使う。
func withError(out Outcome, status OutcomeStatus, err error) Outcome {
	out.Status = status
	out.Error = err.Error()
	out.ErrorCode = model.ErrCodeInternal
	if apiErr := asAPIError(err); apiErr != nil {
		out.ErrorCode = apiErr.Code
		out.Error = apiErr.Message
	}
	return out
}
