package trust

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Appeal sentinel errors mapped to API error codes by the transport layer.
var (
	ErrNotAppellant  = errors.New("trust: appeals are limited to the affected participant")
	ErrAppealPending = errors.New("trust: an appeal is already pending for this change")
	ErrAppealClosed  = errors.New("trust: appeal already resolved")
)

// AppealStatus is the lifecycle state of an appeal.
type AppealStatus string

const (
	AppealPending  AppealStatus = "pending"
	AppealAccepted AppealStatus = "accepted"
	AppealRejected AppealStatus = "rejected"
)

// Appeal challenges one trust score change.
type Appeal struct {
	ID             int64        `json:"id"`
	LogID          int64        `json:"log_id"`
	AppellantID    string       `json:"appellant_id"`
	Reason         string       `json:"reason"`
	Status         AppealStatus `json:"status"`
	ResolverID     *string      `json:"resolver_id,omitempty"`
	ResolutionNote string       `json:"resolution_note,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	ResolvedAt     *time.Time   `json:"resolved_at,omitempty"`
}

const appealColumns = `id, log_id, appellant_id, reason, status, resolver_id,
	resolution_note, created_at, resolved_at`

func scanAppeal(row rowScanner) (*Appeal, error) {
	var a Appeal
	err := row.Scan(&a.ID, &a.LogID, &a.AppellantID, &a.Reason, &a.Status,
		&a.ResolverID, &a.ResolutionNote, &a.CreatedAt, &a.ResolvedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan appeal: %w", err)
	}
	return &a, nil
}

// FileAppeal opens an appeal against one score change. Only the affected
// participant may file, and at most one appeal per change may be pending.
func (e *Engine) FileAppeal(ctx context.Context, logID int64, appellantID, reason string) (*Appeal, error) {
	log, err := e.store.GetLog(ctx, logID)
	if err != nil {
		return nil, err
	}
	if log.ParticipantID != appellantID {
		return nil, ErrNotAppellant
	}

	tx, err := e.store.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin appeal: %w", err)
	}
	defer tx.Rollback()

	// Serialize on the log row so two appeals against the same change
	// cannot both pass the pending check.
	if _, err := tx.ExecContext(ctx,
		`SELECT 1 FROM trust_score_logs WHERE id = $1 FOR UPDATE`, logID); err != nil {
		return nil, fmt.Errorf("lock trust log: %w", err)
	}
	var pending bool
	if err := tx.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM trust_appeals WHERE log_id = $1 AND status = 'pending')`,
		logID).Scan(&pending); err != nil {
		return nil, fmt.Errorf("check pending appeal: %w", err)
	}
	if pending {
		return nil, ErrAppealPending
	}

	now := e.now().UTC()
	a := &Appeal{
		LogID:       logID,
		AppellantID: appellantID,
		Reason:      reason,
		Status:      AppealPending,
		CreatedAt:   now,
	}
	err = tx.QueryRowContext(ctx, `
		INSERT INTO trust_appeals (log_id, appellant_id, reason, status, created_at)
		VALUES ($1, $2, $3, 'pending', $4) RETURNING id`,
		logID, appellantID, reason, now).Scan(&a.ID)
	if err != nil {
		return nil, fmt.Errorf("insert appeal: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit appeal: %w", err)
	}
	return a, nil
}

// GetAppeal fetches one appeal.
func (e *Engine) GetAppeal(ctx context.Context, id int64) (*Appeal, error) {
	row := e.store.db.QueryRowContext(ctx,
		`SELECT `+appealColumns+` FROM trust_appeals WHERE id = $1`, id)
	return scanAppeal(row)
}

// ListAppeals returns appeals, optionally filtered to one status.
func (e *Engine) ListAppeals(ctx context.Context, status AppealStatus, limit int) ([]Appeal, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	query := `SELECT ` + appealColumns + ` FROM trust_appeals`
	args := []any{}
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, status)
	}
	args = append(args, limit)
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, len(args))
	rows, err := e.store.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list appeals: %w", err)
	}
	defer rows.Close()
	var out []Appeal
	for rows.Next() {
		a, err := scanAppeal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// ResolveAppeal settles a pending appeal. Acceptance never edits the
// original change; it applies a compensating change with the inverse delta,
// keyed to the appeal so re-deliveries collapse.
func (e *Engine) ResolveAppeal(ctx context.Context, id int64, resolverID string, accept bool, note string) (*Appeal, error) {
	a, err := e.GetAppeal(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Status != AppealPending {
		return nil, ErrAppealClosed
	}
	log, err := e.store.GetLog(ctx, a.LogID)
	if err != nil {
		return nil, err
	}

	now := e.now().UTC()
	status, result := AppealRejected, "rejected"
	if accept {
		status, result = AppealAccepted, "accepted"
	}
	res, err := e.store.db.ExecContext(ctx, `
		UPDATE trust_appeals SET status = $2, resolver_id = $3, resolution_note = $4, resolved_at = $5
		WHERE id = $1 AND status = 'pending'`, id, status, resolverID, note, now)
	if err != nil {
		return nil, fmt.Errorf("resolve appeal: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrAppealClosed
	}
	if _, err := e.store.db.ExecContext(ctx, `
		UPDATE trust_score_logs SET is_appealed = true, appeal_result = $2
		WHERE id = $1`, a.LogID, result); err != nil {
		return nil, fmt.Errorf("mark log appealed: %w", err)
	}

	a.Status = status
	a.ResolverID = &resolverID
	a.ResolutionNote = note
	a.ResolvedAt = &now
	if !accept {
		return a, nil
	}

	_, err = e.ApplyChange(ctx, Change{
		ParticipantID: log.ParticipantID,
		ProjectID:     log.ProjectID,
		Domain:        log.Domain,
		Delta:         -log.Delta,
		EventType:     "appeal_reversal",
		EventID:       fmt.Sprintf("%d", a.ID),
		Reason:        fmt.Sprintf("appeal %d accepted against change %d", a.ID, log.ID),
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// DeleteAppeal lets the appellant withdraw a still-pending appeal.
func (e *Engine) DeleteAppeal(ctx context.Context, id int64, appellantID string) error {
	res, err := e.store.db.ExecContext(ctx, `
		DELETE FROM trust_appeals WHERE id = $1 AND appellant_id = $2 AND status = 'pending'`,
		id, appellantID)
	if err != nil {
		return fmt.Errorf("delete appeal: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
