package opslinesdk_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"opsline/internal/config"
	"opsline/internal/db"
	"opsline/internal/domain"
	"opsline/internal/engine"
	"opsline/internal/migrate"
	"opsline/internal/orchestrator"
	"opsline/internal/server"
	opslinesdk "opsline/sdk/go"
)

const secret = "sdk-secret"

func newServer(t *testing.T) (engine.Engine, string) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	e := engine.New(conn, config.Default())
	reg := orchestrator.NewRegistry()
	sched := &orchestrator.SyncScheduler{Registry: reg}
	e.Scheduler = sched
	(&orchestrator.Runner{Source: e, Sink: e, Scheduler: sched}).Register(reg)
	_, err = e.InitTenant(context.Background(), "acme", "Acme", "tester")
	require.NoError(t, err)

	handler, err := server.New(server.Config{Engine: e, BasePath: "/v0", Auth: server.AuthConfig{JWTSecret: secret}})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return e, srv.URL + "/v0"
}

func newClient(t *testing.T, baseURL string) *opslinesdk.Client {
	t.Helper()
	token, err := server.SignToken(secret, "acme", "alice", time.Hour)
	require.NoError(t, err)
	return opslinesdk.New(baseURL, token)
}

func raise(t *testing.T, e engine.Engine, key string) domain.Suggestion {
	t.Helper()
	orderBy := domain.Day(time.Now()).AddDate(0, 0, 2)
	s, _, err := e.Raise(context.Background(), "acme", domain.Candidate{
		Type:         domain.TypePurchase,
		SourceModule: domain.ModuleProduction,
		TargetModule: domain.ModuleInbound,
		RootCauseKey: key,
		Title:        "Purchase " + key,
		Payload:      domain.PurchasePayload{MaterialSKU: "STEEL", SuggestedQty: 40, ShortfallQty: 40, OrderByDate: orderBy, NeededBy: orderBy},
		Urgency:      domain.Urgency{NeedBy: &orderBy},
	})
	require.NoError(t, err)
	return s
}

func TestClientReviewFlow(t *testing.T) {
	e, base := newServer(t)
	c := newClient(t, base)
	ctx := context.Background()
	first := raise(t, e, "purchase_need:STEEL")
	second := raise(t, e, "purchase_need:COPPER")

	items, err := c.ListSuggestions(ctx, opslinesdk.ListOptions{Type: "purchase"})
	require.NoError(t, err)
	require.Len(t, items, 2)

	counts, err := c.Counts(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, counts.Pending)
	require.Equal(t, 2, counts.ByType["purchase"])

	accepted, err := c.Accept(ctx, first.ID)
	require.NoError(t, err)
	require.Equal(t, "accepted", accepted.Status)
	require.NotNil(t, accepted.ExecutionRef)

	again, err := c.Accept(ctx, first.ID)
	require.NoError(t, err)
	require.Equal(t, *accepted.ExecutionRef, *again.ExecutionRef)

	dismissed, err := c.Dismiss(ctx, second.ID, "covered by a blanket order")
	require.NoError(t, err)
	require.Equal(t, "dismissed", dismissed.Status)
	require.NotNil(t, dismissed.DismissReason)

	got, err := c.GetSuggestion(ctx, second.ID)
	require.NoError(t, err)
	require.Equal(t, "dismissed", got.Status)

	events, err := c.Events(ctx, first.ID, 10)
	require.NoError(t, err)
	require.NotEmpty(t, events)
}

func TestClientDecodesErrorEnvelope(t *testing.T) {
	e, base := newServer(t)
	c := newClient(t, base)
	ctx := context.Background()
	s := raise(t, e, "purchase_need:STEEL")

	_, err := c.Dismiss(ctx, s.ID, "")
	require.NoError(t, err)
	_, err = c.Accept(ctx, s.ID)
	var apiErr *opslinesdk.APIError
	require.True(t, errors.As(err, &apiErr), "expected APIError, got %v", err)
	require.Equal(t, http.StatusConflict, apiErr.StatusCode)
	require.Equal(t, "invalid_transition", apiErr.Code)

	_, err = c.GetSuggestion(ctx, "missing")
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, "not_found", apiErr.Code)

	anon := opslinesdk.New(base, "")
	_, err = anon.Counts(ctx)
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
}

func TestClientScanAndExpire(t *testing.T) {
	_, base := newServer(t)
	c := newClient(t, base)
	ctx := context.Background()

	results, err := c.Scan(ctx, "detect.purchase_need")
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "detect.purchase_need", results[0].Handler)

	all, err := c.Scan(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, len(orchestrator.DetectorHandlers))

	expired, err := c.ExpireOverdue(ctx)
	require.NoError(t, err)
	require.Empty(t, expired)
}
