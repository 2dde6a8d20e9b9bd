package repo

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"opsline/internal/db"
	"opsline/internal/domain"
	"opsline/internal/migrate"
)

var base = time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC)

func newTestRepo(t *testing.T) Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	r := Repo{DB: conn}
	inTx(t, r, func(tx *sql.Tx) error {
		return r.InsertTenantTx(context.Background(), tx, domain.Tenant{ID: "t1", CreatedAt: base})
	})
	return r
}

func inTx(t *testing.T, r Repo, fn func(tx *sql.Tx) error) {
	t.Helper()
	tx, err := r.DB.BeginTx(context.Background(), nil)
	require.NoError(t, err)
	defer tx.Rollback()
	require.NoError(t, fn(tx))
	require.NoError(t, tx.Commit())
}

func suggestion(key string, p domain.Priority, created time.Time, needBy *time.Time) domain.Suggestion {
	return domain.Suggestion{
		ID:           uuid.NewString(),
		TenantID:     "t1",
		Type:         domain.TypeWorkOrder,
		SourceModule: domain.ModuleOutbound,
		TargetModule: domain.ModuleProduction,
		Priority:     p,
		Status:       domain.StatusPending,
		RootCauseKey: key,
		Title:        "Produce " + key,
		Payload:      domain.WorkOrderPayload{SKU: "A", QuantityGap: 5, Period: "2026-W44"},
		NeedBy:       needBy,
		CreatedAt:    created,
	}
}

func TestPendingCauseIsUniqueUntilResolved(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	first := suggestion("work_order_need:A:2026-W44", domain.PriorityLow, base, nil)
	inTx(t, r, func(tx *sql.Tx) error { return r.InsertSuggestionTx(ctx, tx, first) })

	tx, err := r.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	err = r.InsertSuggestionTx(ctx, tx, suggestion(first.RootCauseKey, domain.PriorityLow, base, nil))
	require.True(t, IsUniqueViolation(err), "expected unique violation, got %v", err)
	require.NoError(t, tx.Rollback())

	inTx(t, r, func(tx *sql.Tx) error {
		ok, err := r.ResolveSuggestionTx(ctx, tx, "t1", first.ID, Resolution{Status: domain.StatusDismissed, ResolvedAt: base, ResolvedBy: "bob"})
		require.True(t, ok)
		return err
	})
	inTx(t, r, func(tx *sql.Tx) error {
		return r.InsertSuggestionTx(ctx, tx, suggestion(first.RootCauseKey, domain.PriorityLow, base, nil))
	})
}

func TestResolveOnlyMovesPending(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	s := suggestion("work_order_need:A:2026-W44", domain.PriorityMedium, base, nil)
	inTx(t, r, func(tx *sql.Tx) error { return r.InsertSuggestionTx(ctx, tx, s) })

	reason := "not needed"
	inTx(t, r, func(tx *sql.Tx) error {
		ok, err := r.ResolveSuggestionTx(ctx, tx, "t1", s.ID, Resolution{Status: domain.StatusDismissed, ResolvedAt: base, ResolvedBy: "bob", DismissReason: &reason})
		require.True(t, ok)
		return err
	})
	inTx(t, r, func(tx *sql.Tx) error {
		ok, err := r.ResolveSuggestionTx(ctx, tx, "t1", s.ID, Resolution{Status: domain.StatusAccepted, ResolvedAt: base, ResolvedBy: "alice"})
		require.False(t, ok)
		return err
	})

	got, err := r.GetSuggestion(ctx, "t1", s.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusDismissed, got.Status)
	require.Equal(t, "bob", *got.ResolvedBy)
	require.Equal(t, reason, *got.DismissReason)
	require.Nil(t, got.ExpiryReason)

	tx, err := r.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer tx.Rollback()
	_, err = r.ResolveSuggestionTx(ctx, tx, "t1", s.ID, Resolution{Status: domain.StatusPending})
	require.Error(t, err)
}

func TestListOrderingFiltersAndCounts(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	low := suggestion("k:low", domain.PriorityLow, base.Add(2*time.Hour), nil)
	critOld := suggestion("k:crit-old", domain.PriorityCritical, base, nil)
	critNew := suggestion("k:crit-new", domain.PriorityCritical, base.Add(time.Hour), nil)
	inTx(t, r, func(tx *sql.Tx) error {
		for _, s := range []domain.Suggestion{low, critOld, critNew} {
			if err := r.InsertSuggestionTx(ctx, tx, s); err != nil {
				return err
			}
		}
		_, err := r.ResolveSuggestionTx(ctx, tx, "t1", low.ID, Resolution{Status: domain.StatusAccepted, ResolvedAt: base, ResolvedBy: "alice"})
		return err
	})

	pending, err := r.ListSuggestions(ctx, "t1", SuggestionFilter{})
	require.NoError(t, err)
	require.Equal(t, []string{critNew.ID, critOld.ID}, ids(pending))

	all, err := r.ListSuggestions(ctx, "t1", SuggestionFilter{Status: StatusAny})
	require.NoError(t, err)
	require.Equal(t, []string{critNew.ID, critOld.ID, low.ID}, ids(all))

	limited, err := r.ListSuggestions(ctx, "t1", SuggestionFilter{Status: StatusAny, Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)

	other, err := r.ListSuggestions(ctx, "t2", SuggestionFilter{Status: StatusAny})
	require.NoError(t, err)
	require.Empty(t, other)

	counts, err := r.CountSuggestions(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, 3, counts.Total)
	require.Equal(t, 2, counts.Pending)
	require.Equal(t, 2, counts.Critical)
	require.Equal(t, map[string]int{"work_order": 2}, counts.ByType)
	require.Equal(t, map[string]int{"outbound": 2}, counts.ByModule)
}

func TestListOverduePendingIsStrictlyBeforeCutoff(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	yesterday := domain.Day(base).AddDate(0, 0, -1)
	today := domain.Day(base)
	overdue := suggestion("k:overdue", domain.PriorityHigh, base, &yesterday)
	due := suggestion("k:due", domain.PriorityHigh, base, &today)
	undated := suggestion("k:undated", domain.PriorityHigh, base, nil)
	inTx(t, r, func(tx *sql.Tx) error {
		for _, s := range []domain.Suggestion{overdue, due, undated} {
			if err := r.InsertSuggestionTx(ctx, tx, s); err != nil {
				return err
			}
		}
		return nil
	})

	inTx(t, r, func(tx *sql.Tx) error {
		got, err := r.ListOverduePendingTx(ctx, tx, "t1", today)
		require.Equal(t, []string{overdue.ID}, ids(got))
		return err
	})
}

func ids(items []domain.Suggestion) []string {
	out := make([]string, 0, len(items))
	for _, s := range items {
		out = append(out, s.ID)
	}
	return out
}
