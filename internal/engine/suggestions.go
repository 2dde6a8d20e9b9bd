package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"opsline/internal/domain"
	"opsline/internal/events"
	"opsline/internal/orchestrator"
	"opsline/internal/priority"
	"opsline/internal/repo"
)

// Raise is the deduplication gate. It stores c as a new pending suggestion unless one is already
// pending for the same (tenant, type, root cause key), in which case that one is returned with
// created=false.
func (e Engine) Raise(ctx context.Context, tenantID string, c domain.Candidate) (domain.Suggestion, bool, error) {
	if tenantID == "" {
		return domain.Suggestion{}, false, &domain.ValidationError{Field: "tenant_id", Reason: "required"}
	}
	if err := c.Validate(); err != nil {
		return domain.Suggestion{}, false, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Suggestion{}, false, err
	}
	defer tx.Rollback()

	existing, err := e.Repo.FindPendingTx(ctx, tx, tenantID, c.Type, c.RootCauseKey)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.Suggestion{}, false, err
	}
	if err := e.requireTenantTx(ctx, tx, tenantID); err != nil {
		return domain.Suggestion{}, false, err
	}
	cfg, err := e.tenantConfig(ctx, tx, tenantID)
	if err != nil {
		return domain.Suggestion{}, false, err
	}
	now := e.now()
	s := domain.Suggestion{
		ID:           uuid.NewString(),
		TenantID:     tenantID,
		Type:         c.Type,
		SourceModule: c.SourceModule,
		TargetModule: c.TargetModule,
		Priority:     priority.Calculate(cfg.Priority, now, c.Urgency),
		Status:       domain.StatusPending,
		RootCauseKey: c.RootCauseKey,
		Title:        c.Title,
		Description:  c.Description,
		Payload:      c.Payload,
		NeedBy:       c.NeedBy,
		CreatedAt:    now,
	}
	if err := e.Repo.InsertSuggestionTx(ctx, tx, s); err != nil {
		if repo.IsUniqueViolation(err) {
			// Another run inserted the same cause between our read and write.
			_ = tx.Rollback()
			existing, err := e.Repo.FindPendingTx(ctx, nil, tenantID, c.Type, c.RootCauseKey)
			if err != nil {
				return domain.Suggestion{}, false, err
			}
			return existing, false, nil
		}
		return domain.Suggestion{}, false, fmt.Errorf("insert suggestion: %w", err)
	}
	if err := e.appendEvent(ctx, tx, "suggestion.raised", tenantID, "suggestion", s.ID, "", events.EventPayload{
		"type":           s.Type,
		"root_cause_key": s.RootCauseKey,
		"priority":       s.Priority,
	}); err != nil {
		return domain.Suggestion{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Suggestion{}, false, err
	}
	return s, true, nil
}

func (e Engine) GetSuggestion(ctx context.Context, tenantID, id string) (domain.Suggestion, error) {
	s, err := e.Repo.GetSuggestion(ctx, tenantID, id)
	if errors.Is(err, repo.ErrNotFound) {
		return s, fmt.Errorf("suggestion %s: %w", id, domain.ErrNotFound)
	}
	return s, err
}

// Accept runs the accept executor and marks the suggestion accepted in one transaction.
// Accepting an already accepted suggestion returns it unchanged.
func (e Engine) Accept(ctx context.Context, tenantID, id, actorID string) (domain.Suggestion, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Suggestion{}, err
	}
	defer tx.Rollback()

	s, err := e.loadForTransition(ctx, tx, tenantID, id)
	if err != nil {
		return domain.Suggestion{}, err
	}
	if s.Status == domain.StatusAccepted {
		return s, nil
	}
	if err := ensurePending(s, domain.StatusAccepted); err != nil {
		return s, err
	}
	now := e.now()
	won, err := e.Repo.ResolveSuggestionTx(ctx, tx, tenantID, id, repo.Resolution{Status: domain.StatusAccepted, ResolvedAt: now, ResolvedBy: actorID})
	if err != nil {
		return domain.Suggestion{}, err
	}
	if !won {
		return e.lostRace(ctx, tx, tenantID, id, domain.StatusAccepted)
	}
	ref, err := e.execute(ctx, tx, s, now)
	if err != nil {
		e.logger().Warn("accept execution failed", zap.String("tenant_id", tenantID), zap.String("suggestion_id", id), zap.String("type", string(s.Type)), zap.Error(err))
		return domain.Suggestion{}, &domain.ExecutionError{SuggestionID: id, Type: s.Type, Err: err}
	}
	if err := e.Repo.SetExecutionRefTx(ctx, tx, tenantID, id, ref); err != nil {
		return domain.Suggestion{}, err
	}
	if err := e.appendEvent(ctx, tx, "suggestion.accepted", tenantID, "suggestion", id, actorID, events.EventPayload{
		"type":          s.Type,
		"execution_ref": ref,
	}); err != nil {
		return domain.Suggestion{}, err
	}
	updated, err := e.Repo.GetSuggestionTx(ctx, tx, tenantID, id)
	if err != nil {
		return domain.Suggestion{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Suggestion{}, err
	}
	if s.Type == domain.TypeWorkOrder {
		e.trigger(ctx, tenantID, orchestrator.HandlerPurchaseNeed)
	}
	return updated, nil
}

// Dismiss resolves a pending suggestion without touching the target module.
func (e Engine) Dismiss(ctx context.Context, tenantID, id, actorID, reason string) (domain.Suggestion, error) {
	res := repo.Resolution{Status: domain.StatusDismissed, ResolvedBy: actorID}
	if reason != "" {
		res.DismissReason = &reason
	}
	return e.resolve(ctx, tenantID, id, actorID, res)
}

// Expire resolves a pending suggestion as expired with the given reason.
func (e Engine) Expire(ctx context.Context, tenantID, id, actorID, reason string) (domain.Suggestion, error) {
	if reason == "" {
		reason = "expired"
	}
	return e.resolve(ctx, tenantID, id, actorID, repo.Resolution{Status: domain.StatusExpired, ResolvedBy: actorID, ExpiryReason: &reason})
}

func (e Engine) resolve(ctx context.Context, tenantID, id, actorID string, res repo.Resolution) (domain.Suggestion, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Suggestion{}, err
	}
	defer tx.Rollback()

	s, err := e.loadForTransition(ctx, tx, tenantID, id)
	if err != nil {
		return domain.Suggestion{}, err
	}
	if err := ensurePending(s, res.Status); err != nil {
		return s, err
	}
	res.ResolvedAt = e.now()
	won, err := e.Repo.ResolveSuggestionTx(ctx, tx, tenantID, id, res)
	if err != nil {
		return domain.Suggestion{}, err
	}
	if !won {
		return e.lostRace(ctx, tx, tenantID, id, res.Status)
	}
	payload := events.EventPayload{"type": s.Type}
	if res.DismissReason != nil {
		payload["reason"] = *res.DismissReason
	}
	if res.ExpiryReason != nil {
		payload["reason"] = *res.ExpiryReason
	}
	if err := e.appendEvent(ctx, tx, "suggestion."+string(res.Status), tenantID, "suggestion", id, actorID, payload); err != nil {
		return domain.Suggestion{}, err
	}
	updated, err := e.Repo.GetSuggestionTx(ctx, tx, tenantID, id)
	if err != nil {
		return domain.Suggestion{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Suggestion{}, err
	}
	return updated, nil
}

func (e Engine) loadForTransition(ctx context.Context, tx *sql.Tx, tenantID, id string) (domain.Suggestion, error) {
	s, err := e.Repo.GetSuggestionTx(ctx, tx, tenantID, id)
	if errors.Is(err, repo.ErrNotFound) {
		return s, fmt.Errorf("suggestion %s: %w", id, domain.ErrNotFound)
	}
	return s, err
}

func ensurePending(s domain.Suggestion, to domain.Status) error {
	if s.Status != domain.StatusPending {
		return &domain.TransitionError{SuggestionID: s.ID, From: s.Status, To: to}
	}
	return nil
}

// lostRace reports the state another writer left behind after a conditional update matched nothing.
func (e Engine) lostRace(ctx context.Context, tx *sql.Tx, tenantID, id string, to domain.Status) (domain.Suggestion, error) {
	current, err := e.loadForTransition(ctx, tx, tenantID, id)
	if err != nil {
		return domain.Suggestion{}, err
	}
	if to == domain.StatusAccepted && current.Status == domain.StatusAccepted {
		return current, nil
	}
	return current, &domain.TransitionError{SuggestionID: id, From: current.Status, To: to}
}

// ExpireOverdue expires pending suggestions whose need date is older than today minus the
// tenant's grace days. It returns the expired suggestions.
func (e Engine) ExpireOverdue(ctx context.Context, tenantID, actorID string) ([]domain.Suggestion, error) {
	cfg, err := e.tenantConfig(ctx, nil, tenantID)
	if err != nil {
		return nil, err
	}
	now := e.now()
	cutoff := domain.Day(now).AddDate(0, 0, -cfg.Expiry.GraceDays)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	overdue, err := e.Repo.ListOverduePendingTx(ctx, tx, tenantID, cutoff)
	if err != nil {
		return nil, err
	}
	var expired []domain.Suggestion
	for _, s := range overdue {
		reason := fmt.Sprintf("need date %s passed without action", s.NeedBy.Format(domain.DateLayout))
		won, err := e.Repo.ResolveSuggestionTx(ctx, tx, tenantID, s.ID, repo.Resolution{
			Status: domain.StatusExpired, ResolvedAt: now, ResolvedBy: actorID, ExpiryReason: &reason,
		})
		if err != nil {
			return nil, err
		}
		if !won {
			continue
		}
		if err := e.appendEvent(ctx, tx, "suggestion.expired", tenantID, "suggestion", s.ID, actorID, events.EventPayload{"type": s.Type, "reason": reason}); err != nil {
			return nil, err
		}
		s.Status = domain.StatusExpired
		s.ResolvedAt = &now
		s.ExpiryReason = &reason
		if actorID != "" {
			actor := actorID
			s.ResolvedBy = &actor
		}
		expired = append(expired, s)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	if len(expired) > 0 {
		e.logger().Info("expired overdue suggestions", zap.String("tenant_id", tenantID), zap.Int("count", len(expired)))
	}
	return expired, nil
}

// ListSuggestions validates the filter and queries the store.
func (e Engine) ListSuggestions(ctx context.Context, tenantID string, f repo.SuggestionFilter) ([]domain.Suggestion, error) {
	if err := validateFilter(f); err != nil {
		return nil, err
	}
	return e.Repo.ListSuggestions(ctx, tenantID, f)
}

func (e Engine) Counts(ctx context.Context, tenantID string) (domain.SuggestionCounts, error) {
	return e.Repo.CountSuggestions(ctx, tenantID)
}

func validateFilter(f repo.SuggestionFilter) error {
	if f.Type != "" && !domain.SuggestionType(f.Type).Valid() {
		return &domain.ValidationError{Field: "type", Reason: fmt.Sprintf("unknown suggestion type %q", f.Type)}
	}
	if f.SourceModule != "" && !domain.Module(f.SourceModule).Valid() {
		return &domain.ValidationError{Field: "source_module", Reason: fmt.Sprintf("unknown module %q", f.SourceModule)}
	}
	if f.Priority != "" && !domain.Priority(f.Priority).Valid() {
		return &domain.ValidationError{Field: "priority", Reason: fmt.Sprintf("unknown priority %q", f.Priority)}
	}
	if f.Status != "" && f.Status != repo.StatusAny && !domain.Status(f.Status).Valid() {
		return &domain.ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", f.Status)}
	}
	if f.Limit < 0 {
		return &domain.ValidationError{Field: "limit", Reason: "must not be negative"}
	}
	return nil
}
