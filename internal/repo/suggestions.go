package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"opsline/internal/domain"
)

const suggestionColumns = `id,tenant_id,type,source_module,target_module,priority,status,root_cause_key,title,COALESCE(description,''),payload_json,need_by,created_at,resolved_at,resolved_by,dismiss_reason,expiry_reason,execution_ref`

// StatusAny disables the status filter of ListSuggestions.
const StatusAny = "any"

type SuggestionFilter struct {
	Type         string
	SourceModule string
	Priority     string
	// Status defaults to pending when empty.
	Status string
	Limit  int
}

// Resolution is the terminal update applied by ResolveSuggestionTx.
type Resolution struct {
	Status        domain.Status
	ResolvedAt    time.Time
	ResolvedBy    string
	DismissReason *string
	ExpiryReason  *string
}

func scanSuggestion(row rowScanner) (domain.Suggestion, error) {
	var s domain.Suggestion
	var payload, created string
	var needBy, resolvedAt, resolvedBy, dismissReason, expiryReason, executionRef sql.NullString
	err := row.Scan(&s.ID, &s.TenantID, &s.Type, &s.SourceModule, &s.TargetModule, &s.Priority, &s.Status,
		&s.RootCauseKey, &s.Title, &s.Description, &payload, &needBy, &created, &resolvedAt, &resolvedBy,
		&dismissReason, &expiryReason, &executionRef)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	if s.Payload, err = domain.DecodePayload(s.Type, []byte(payload)); err != nil {
		return s, err
	}
	if s.CreatedAt, err = domain.ParseTimestamp(created); err != nil {
		return s, err
	}
	if s.NeedBy, err = parseNullTime(needBy); err != nil {
		return s, err
	}
	if s.ResolvedAt, err = parseNullTime(resolvedAt); err != nil {
		return s, err
	}
	s.ResolvedBy = stringPtr(resolvedBy)
	s.DismissReason = stringPtr(dismissReason)
	s.ExpiryReason = stringPtr(expiryReason)
	s.ExecutionRef = stringPtr(executionRef)
	return s, nil
}

func scanSuggestions(rows *sql.Rows) ([]domain.Suggestion, error) {
	defer rows.Close()
	var res []domain.Suggestion
	for rows.Next() {
		s, err := scanSuggestion(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) InsertSuggestionTx(ctx context.Context, tx *sql.Tx, s domain.Suggestion) error {
	if s.Payload == nil {
		return fmt.Errorf("suggestion %s: payload nil", s.ID)
	}
	payload, err := json.Marshal(s.Payload)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO suggestions(id,tenant_id,type,source_module,target_module,priority,priority_rank,status,root_cause_key,title,description,payload_json,need_by,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		s.ID, s.TenantID, s.Type, s.SourceModule, s.TargetModule, s.Priority, s.Priority.Rank(), s.Status,
		s.RootCauseKey, s.Title, nullable(s.Description), string(payload), nullableTime(s.NeedBy), domain.FormatTimestamp(s.CreatedAt))
	return err
}

// FindPendingTx returns the pending suggestion for a root cause, or ErrNotFound.
func (r Repo) FindPendingTx(ctx context.Context, tx *sql.Tx, tenantID string, t domain.SuggestionType, key string) (domain.Suggestion, error) {
	return scanSuggestion(r.q(tx).QueryRowContext(ctx, `SELECT `+suggestionColumns+` FROM suggestions WHERE tenant_id=? AND type=? AND root_cause_key=? AND status='pending'`,
		tenantID, t, key))
}

func (r Repo) GetSuggestion(ctx context.Context, tenantID, id string) (domain.Suggestion, error) {
	return r.GetSuggestionTx(ctx, nil, tenantID, id)
}

func (r Repo) GetSuggestionTx(ctx context.Context, tx *sql.Tx, tenantID, id string) (domain.Suggestion, error) {
	return scanSuggestion(r.q(tx).QueryRowContext(ctx, `SELECT `+suggestionColumns+` FROM suggestions WHERE tenant_id=? AND id=?`, tenantID, id))
}

// ResolveSuggestionTx moves a pending suggestion to a terminal status. It reports false when the
// row was no longer pending, leaving it untouched.
func (r Repo) ResolveSuggestionTx(ctx context.Context, tx *sql.Tx, tenantID, id string, res Resolution) (bool, error) {
	if !res.Status.Terminal() {
		return false, fmt.Errorf("resolve suggestion: %s is not terminal", res.Status)
	}
	result, err := tx.ExecContext(ctx, `UPDATE suggestions SET status=?, resolved_at=?, resolved_by=?, dismiss_reason=?, expiry_reason=?
WHERE tenant_id=? AND id=? AND status='pending'`,
		res.Status, domain.FormatTimestamp(res.ResolvedAt), nullable(res.ResolvedBy), nullableStringPtr(res.DismissReason),
		nullableStringPtr(res.ExpiryReason), tenantID, id)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r Repo) SetExecutionRefTx(ctx context.Context, tx *sql.Tx, tenantID, id, ref string) error {
	_, err := tx.ExecContext(ctx, `UPDATE suggestions SET execution_ref=? WHERE tenant_id=? AND id=?`, nullable(ref), tenantID, id)
	return err
}

// ListSuggestions orders by priority, newest first within a tier.
func (r Repo) ListSuggestions(ctx context.Context, tenantID string, f SuggestionFilter) ([]domain.Suggestion, error) {
	clauses := []string{"tenant_id=?"}
	args := []any{tenantID}
	status := f.Status
	if status == "" {
		status = string(domain.StatusPending)
	}
	if status != StatusAny {
		clauses = append(clauses, "status=?")
		args = append(args, status)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.SourceModule != "" {
		clauses = append(clauses, "source_module=?")
		args = append(args, f.SourceModule)
	}
	if f.Priority != "" {
		clauses = append(clauses, "priority=?")
		args = append(args, f.Priority)
	}
	query := `SELECT ` + suggestionColumns + ` FROM suggestions WHERE ` + strings.Join(clauses, " AND ") +
		` ORDER BY priority_rank DESC, created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanSuggestions(rows)
}

// ListPendingByType returns pending suggestions of one type, oldest first.
func (r Repo) ListPendingByType(ctx context.Context, tenantID string, t domain.SuggestionType) ([]domain.Suggestion, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+suggestionColumns+` FROM suggestions WHERE tenant_id=? AND type=? AND status='pending' ORDER BY created_at, id`,
		tenantID, t)
	if err != nil {
		return nil, err
	}
	return scanSuggestions(rows)
}

// ListOverduePendingTx returns pending suggestions whose need date is strictly before cutoff.
func (r Repo) ListOverduePendingTx(ctx context.Context, tx *sql.Tx, tenantID string, cutoff time.Time) ([]domain.Suggestion, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+suggestionColumns+` FROM suggestions WHERE tenant_id=? AND status='pending' AND need_by IS NOT NULL AND need_by < ? ORDER BY need_by, id`,
		tenantID, domain.FormatTimestamp(cutoff))
	if err != nil {
		return nil, err
	}
	return scanSuggestions(rows)
}

// CountSuggestions aggregates the store on every call.
func (r Repo) CountSuggestions(ctx context.Context, tenantID string) (domain.SuggestionCounts, error) {
	counts := domain.SuggestionCounts{ByType: map[string]int{}, ByModule: map[string]int{}}
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*),
COALESCE(SUM(CASE WHEN status='pending' THEN 1 ELSE 0 END),0),
COALESCE(SUM(CASE WHEN status='pending' AND priority='critical' THEN 1 ELSE 0 END),0)
FROM suggestions WHERE tenant_id=?`, tenantID).Scan(&counts.Total, &counts.Pending, &counts.Critical)
	if err != nil {
		return counts, err
	}
	if err := groupCount(ctx, r.DB, `SELECT type, COUNT(*) FROM suggestions WHERE tenant_id=? AND status='pending' GROUP BY type`, tenantID, counts.ByType); err != nil {
		return counts, err
	}
	if err := groupCount(ctx, r.DB, `SELECT source_module, COUNT(*) FROM suggestions WHERE tenant_id=? AND status='pending' GROUP BY source_module`, tenantID, counts.ByModule); err != nil {
		return counts, err
	}
	return counts, nil
}

func groupCount(ctx context.Context, q querier, query, tenantID string, into map[string]int) error {
	rows, err := q.QueryContext(ctx, query, tenantID)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return err
		}
		into[key] = n
	}
	return rows.Err()
}
