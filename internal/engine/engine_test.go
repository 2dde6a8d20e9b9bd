package engine_test

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"opsline/internal/config"
	"opsline/internal/db"
	"opsline/internal/detect"
	"opsline/internal/domain"
	"opsline/internal/engine"
	"opsline/internal/migrate"
	"opsline/internal/orchestrator"
	"opsline/internal/repo"
)

var testNow = time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC)

type testEnv struct {
	Engine    engine.Engine
	Runner    *orchestrator.Runner
	Scheduler *orchestrator.SyncScheduler
	Ctx       context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default())
	eng.Now = func() time.Time { return testNow }
	reg := orchestrator.NewRegistry()
	sched := &orchestrator.SyncScheduler{Registry: reg}
	eng.Scheduler = sched
	runner := &orchestrator.Runner{Source: eng, Sink: eng, Scheduler: sched}
	runner.Register(reg)
	ctx := context.Background()
	if _, err := eng.InitTenant(ctx, "t1", "Tenant One", "tester"); err != nil {
		t.Fatalf("init tenant: %v", err)
	}
	return testEnv{Engine: eng, Runner: runner, Scheduler: sched, Ctx: ctx}
}

func day(offset int) time.Time {
	return domain.Day(testNow).AddDate(0, 0, offset)
}

// purchaseCandidate must be ordered by orderBy and is stale five days later.
func purchaseCandidate(key string, orderBy time.Time) domain.Candidate {
	neededBy := orderBy.AddDate(0, 0, 5)
	return domain.Candidate{
		Type:         domain.TypePurchase,
		SourceModule: domain.ModuleProduction,
		TargetModule: domain.ModuleInbound,
		RootCauseKey: key,
		Title:        "Purchase steel",
		Payload: domain.PurchasePayload{
			MaterialSKU:   "STEEL",
			SuggestedQty:  500,
			ShortfallQty:  420,
			NeededBy:      neededBy,
			OrderByDate:   orderBy,
			LeadTimeDays:  5,
			WorkOrders:    []string{"wo1"},
			EstimatedCost: 1000,
		},
		Urgency: domain.Urgency{NeedBy: &orderBy, GapQty: 420, RequiredQty: 500},
		NeedBy:  &neededBy,
	}
}

func pending(t *testing.T, env testEnv, tenantID string, typ domain.SuggestionType) []domain.Suggestion {
	t.Helper()
	list, err := env.Engine.ListSuggestions(env.Ctx, tenantID, repo.SuggestionFilter{Type: string(typ)})
	if err != nil {
		t.Fatalf("list suggestions: %v", err)
	}
	return list
}

func TestOrderCreatesWorkOrderSuggestionOnce(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.AdjustInventory(env.Ctx, "t1", domain.InventoryItem{SKU: "WIDGET-1", Kind: domain.InventoryFinished, OnHand: 20}, "tester"); err != nil {
		t.Fatalf("adjust inventory: %v", err)
	}
	if _, err := env.Engine.CreateOrder(env.Ctx, "t1", engine.CreateOrderOptions{
		RequiredBy: day(20),
		Priority:   domain.PriorityHigh,
		Lines:      []domain.OrderLine{{SKU: "WIDGET-1", Quantity: 100}},
	}); err != nil {
		t.Fatalf("create order: %v", err)
	}
	list := pending(t, env, "t1", domain.TypeWorkOrder)
	if len(list) != 1 {
		t.Fatalf("expected 1 pending work order suggestion, got %d", len(list))
	}
	p, ok := list[0].Payload.(domain.WorkOrderPayload)
	if !ok || p.QuantityGap != 80 || p.SKU != "WIDGET-1" {
		t.Fatalf("unexpected payload %#v", list[0].Payload)
	}
	if list[0].RootCauseKey != detect.WorkOrderNeedKey("WIDGET-1", detect.Period(day(20))) {
		t.Fatalf("unexpected key %s", list[0].RootCauseKey)
	}

	res, err := env.Runner.Run(env.Ctx, "t1", orchestrator.HandlerProductionNeed)
	if err != nil {
		t.Fatalf("rerun detector: %v", err)
	}
	if res.Created != 0 || res.Suppressed != 1 {
		t.Fatalf("expected suppressed duplicate, got %+v", res)
	}
	if n := len(pending(t, env, "t1", domain.TypeWorkOrder)); n != 1 {
		t.Fatalf("expected still 1 pending suggestion, got %d", n)
	}
}

func TestConcurrentRaiseKeepsOnePending(t *testing.T) {
	env := newTestEnv(t)
	c := purchaseCandidate("purchase_need:STEEL", day(3))
	var wg sync.WaitGroup
	var mu sync.Mutex
	created := 0
	ids := map[string]bool{}
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, ok, err := env.Engine.Raise(env.Ctx, "t1", c)
			if err != nil {
				t.Errorf("raise: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			ids[s.ID] = true
			if ok {
				created++
			}
		}()
	}
	wg.Wait()
	if created != 1 || len(ids) != 1 {
		t.Fatalf("expected one created suggestion, got created=%d ids=%d", created, len(ids))
	}
}

func TestAcceptPurchaseIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	s, created, err := env.Engine.Raise(env.Ctx, "t1", purchaseCandidate("purchase_need:STEEL", day(3)))
	if err != nil || !created {
		t.Fatalf("raise: created=%v err=%v", created, err)
	}
	if s.Priority != domain.PriorityHigh {
		t.Fatalf("expected high priority for order-by in 3 days, got %s", s.Priority)
	}
	accepted, err := env.Engine.Accept(env.Ctx, "t1", s.ID, "reviewer")
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if accepted.Status != domain.StatusAccepted || accepted.ResolvedAt == nil || accepted.ExecutionRef == nil {
		t.Fatalf("unexpected accepted state %+v", accepted)
	}
	if accepted.ResolvedBy == nil || *accepted.ResolvedBy != "reviewer" {
		t.Fatalf("expected resolved_by reviewer")
	}
	drafts, err := env.Engine.Repo.ListPurchaseDrafts(env.Ctx, "t1", false)
	if err != nil {
		t.Fatal(err)
	}
	if len(drafts) != 1 || drafts[0].Quantity != 500 || drafts[0].ID != *accepted.ExecutionRef {
		t.Fatalf("expected one draft for 500, got %+v", drafts)
	}
	if !drafts[0].OrderBy.Equal(day(3)) {
		t.Fatalf("draft order_by %s", drafts[0].OrderBy)
	}

	again, err := env.Engine.Accept(env.Ctx, "t1", s.ID, "reviewer")
	if err != nil {
		t.Fatalf("second accept: %v", err)
	}
	if again.Status != domain.StatusAccepted || !again.ResolvedAt.Equal(*accepted.ResolvedAt) || *again.ExecutionRef != *accepted.ExecutionRef {
		t.Fatalf("second accept changed state: %+v", again)
	}
	drafts, _ = env.Engine.Repo.ListPurchaseDrafts(env.Ctx, "t1", false)
	if len(drafts) != 1 {
		t.Fatalf("expected no duplicate draft, got %d", len(drafts))
	}
}

func TestAcceptAndDismissRaceHasOneWinner(t *testing.T) {
	env := newTestEnv(t)
	s, _, err := env.Engine.Raise(env.Ctx, "t1", purchaseCandidate("purchase_need:STEEL", day(3)))
	if err != nil {
		t.Fatal(err)
	}
	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted, dismissed := 0, 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(accept bool) {
			defer wg.Done()
			var err error
			if accept {
				_, err = env.Engine.Accept(env.Ctx, "t1", s.ID, "alice")
			} else {
				_, err = env.Engine.Dismiss(env.Ctx, "t1", s.ID, "bob", "not needed")
			}
			if err != nil {
				if !errors.Is(err, domain.ErrInvalidTransition) {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if accept {
				accepted++
			} else {
				dismissed++
			}
		}(i%2 == 0)
	}
	wg.Wait()

	got, err := env.Engine.GetSuggestion(env.Ctx, "t1", s.ID)
	if err != nil {
		t.Fatal(err)
	}
	drafts, _ := env.Engine.Repo.ListPurchaseDrafts(env.Ctx, "t1", false)
	switch got.Status {
	case domain.StatusAccepted:
		if dismissed != 0 || accepted == 0 || len(drafts) != 1 {
			t.Fatalf("accept won but accepted=%d dismissed=%d drafts=%d", accepted, dismissed, len(drafts))
		}
	case domain.StatusDismissed:
		if dismissed != 1 || accepted != 0 || len(drafts) != 0 {
			t.Fatalf("dismiss won but accepted=%d dismissed=%d drafts=%d", accepted, dismissed, len(drafts))
		}
	default:
		t.Fatalf("expected a terminal state, got %s", got.Status)
	}
}

func TestAcceptWorkOrderTwiceCreatesOneWorkOrder(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.CreateOrder(env.Ctx, "t1", engine.CreateOrderOptions{
		RequiredBy: day(20),
		Lines:      []domain.OrderLine{{SKU: "WIDGET-1", Quantity: 40}},
	}); err != nil {
		t.Fatal(err)
	}
	list := pending(t, env, "t1", domain.TypeWorkOrder)
	if len(list) != 1 {
		t.Fatalf("expected work order suggestion, got %d", len(list))
	}
	first, err := env.Engine.Accept(env.Ctx, "t1", list[0].ID, "planner")
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	second, err := env.Engine.Accept(env.Ctx, "t1", list[0].ID, "planner")
	if err != nil {
		t.Fatalf("second accept: %v", err)
	}
	if first.ExecutionRef == nil || second.ExecutionRef == nil || *first.ExecutionRef != *second.ExecutionRef {
		t.Fatalf("execution ref changed: %v vs %v", first.ExecutionRef, second.ExecutionRef)
	}
	wos, err := env.Engine.Repo.ListWorkOrders(env.Ctx, "t1", false)
	if err != nil {
		t.Fatal(err)
	}
	if len(wos) != 1 || wos[0].ID != *first.ExecutionRef {
		t.Fatalf("expected exactly one work order, got %+v", wos)
	}
	if wos[0].SourceSuggestionID == nil || *wos[0].SourceSuggestionID != list[0].ID {
		t.Fatalf("work order not linked to suggestion: %+v", wos[0])
	}
}

func TestDismissedSuggestionIsImmutable(t *testing.T) {
	env := newTestEnv(t)
	s, _, err := env.Engine.Raise(env.Ctx, "t1", purchaseCandidate("purchase_need:STEEL", day(20)))
	if err != nil {
		t.Fatal(err)
	}
	dismissed, err := env.Engine.Dismiss(env.Ctx, "t1", s.ID, "reviewer", "handled manually")
	if err != nil {
		t.Fatalf("dismiss: %v", err)
	}
	if dismissed.Status != domain.StatusDismissed || dismissed.DismissReason == nil || *dismissed.DismissReason != "handled manually" {
		t.Fatalf("unexpected dismissed state %+v", dismissed)
	}
	if _, err := env.Engine.Accept(env.Ctx, "t1", s.ID, "reviewer"); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition on accept, got %v", err)
	}
	if _, err := env.Engine.Dismiss(env.Ctx, "t1", s.ID, "reviewer", "again"); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition on second dismiss, got %v", err)
	}
	after, err := env.Engine.GetSuggestion(env.Ctx, "t1", s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if *after.DismissReason != "handled manually" || !after.ResolvedAt.Equal(*dismissed.ResolvedAt) {
		t.Fatalf("record mutated after terminal state: %+v", after)
	}
	drafts, _ := env.Engine.Repo.ListPurchaseDrafts(env.Ctx, "t1", false)
	if len(drafts) != 0 {
		t.Fatalf("dismiss must not write to inbound")
	}

	// A new pending suggestion for the same cause is allowed once the old one is resolved.
	if _, created, err := env.Engine.Raise(env.Ctx, "t1", purchaseCandidate("purchase_need:STEEL", day(20))); err != nil || !created {
		t.Fatalf("re-raise after dismiss: created=%v err=%v", created, err)
	}
}

func TestExpiredSuggestionIsImmutable(t *testing.T) {
	env := newTestEnv(t)
	s, _, err := env.Engine.Raise(env.Ctx, "t1", purchaseCandidate("purchase_need:STEEL", day(20)))
	if err != nil {
		t.Fatal(err)
	}
	expired, err := env.Engine.Expire(env.Ctx, "t1", s.ID, "system", "superseded")
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if expired.ExpiryReason == nil || *expired.ExpiryReason != "superseded" || expired.DismissReason != nil {
		t.Fatalf("unexpected expired state %+v", expired)
	}
	var te *domain.TransitionError
	if _, err := env.Engine.Accept(env.Ctx, "t1", s.ID, "reviewer"); !errors.As(err, &te) || te.From != domain.StatusExpired {
		t.Fatalf("expected transition error from expired, got %v", err)
	}
	if _, err := env.Engine.Dismiss(env.Ctx, "t1", s.ID, "reviewer", ""); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}

func TestExpireOverdue(t *testing.T) {
	env := newTestEnv(t)
	old, _, err := env.Engine.Raise(env.Ctx, "t1", purchaseCandidate("purchase_need:OLD", day(-7)))
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := env.Engine.Raise(env.Ctx, "t1", purchaseCandidate("purchase_need:TODAY", day(-5))); err != nil {
		t.Fatal(err)
	}
	if _, _, err := env.Engine.Raise(env.Ctx, "t1", purchaseCandidate("purchase_need:SOON", day(-1))); err != nil {
		t.Fatal(err)
	}
	expired, err := env.Engine.ExpireOverdue(env.Ctx, "t1", "system")
	if err != nil {
		t.Fatalf("expire overdue: %v", err)
	}
	if len(expired) != 1 || expired[0].ID != old.ID {
		t.Fatalf("expected only the overdue suggestion to expire, got %+v", expired)
	}
	got, _ := env.Engine.GetSuggestion(env.Ctx, "t1", old.ID)
	if got.Status != domain.StatusExpired || got.ExpiryReason == nil {
		t.Fatalf("stored state %+v", got)
	}
	counts, err := env.Engine.Counts(env.Ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if counts.Total != 3 || counts.Pending != 2 {
		t.Fatalf("unexpected counts %+v", counts)
	}
}

func TestLateOrderDateKeepsSuggestionUntilNeedDate(t *testing.T) {
	env := newTestEnv(t)
	s, _, err := env.Engine.Raise(env.Ctx, "t1", purchaseCandidate("purchase_need:STEEL", day(-3)))
	if err != nil {
		t.Fatal(err)
	}
	if s.Priority != domain.PriorityCritical {
		t.Fatalf("missed order-by date must be critical, got %s", s.Priority)
	}
	if s.NeedBy == nil || !s.NeedBy.Equal(day(2)) {
		t.Fatalf("need_by must be the needed-by date, got %v", s.NeedBy)
	}
	expired, err := env.Engine.ExpireOverdue(env.Ctx, "t1", "system")
	if err != nil {
		t.Fatal(err)
	}
	if len(expired) != 0 {
		t.Fatalf("critical suggestion expired before its need date: %+v", expired)
	}
	got, _ := env.Engine.GetSuggestion(env.Ctx, "t1", s.ID)
	if got.Status != domain.StatusPending {
		t.Fatalf("expected pending, got %s", got.Status)
	}
}

type failingWriter struct {
	repo.Repo
}

func (failingWriter) InsertPurchaseDraftTx(context.Context, *sql.Tx, domain.PurchaseDraft) error {
	return errors.New("inbound unavailable")
}

func TestExecutionFailureKeepsSuggestionPending(t *testing.T) {
	env := newTestEnv(t)
	s, _, err := env.Engine.Raise(env.Ctx, "t1", purchaseCandidate("purchase_need:STEEL", day(3)))
	if err != nil {
		t.Fatal(err)
	}
	eng := env.Engine
	eng.Writer = failingWriter{Repo: eng.Repo}
	_, err = eng.Accept(env.Ctx, "t1", s.ID, "reviewer")
	if !errors.Is(err, domain.ErrExecutionFailure) {
		t.Fatalf("expected execution failure, got %v", err)
	}
	var ee *domain.ExecutionError
	if !errors.As(err, &ee) || ee.SuggestionID != s.ID {
		t.Fatalf("expected ExecutionError for %s, got %v", s.ID, err)
	}
	got, _ := eng.GetSuggestion(env.Ctx, "t1", s.ID)
	if got.Status != domain.StatusPending || got.ResolvedAt != nil {
		t.Fatalf("expected pending after failed accept, got %+v", got)
	}
	evts, _ := eng.ListEvents(env.Ctx, "t1", s.ID, 10)
	for _, ev := range evts {
		if ev.Type == "suggestion.accepted" {
			t.Fatalf("accepted event must roll back")
		}
	}

	// Retrying with a healthy writer succeeds.
	if _, err := env.Engine.Accept(env.Ctx, "t1", s.ID, "reviewer"); err != nil {
		t.Fatalf("retry accept: %v", err)
	}
}

func TestTenantIsolation(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.InitTenant(env.Ctx, "t2", "Tenant Two", "tester"); err != nil {
		t.Fatal(err)
	}
	a, _, err := env.Engine.Raise(env.Ctx, "t1", purchaseCandidate("purchase_need:STEEL", day(3)))
	if err != nil {
		t.Fatal(err)
	}
	b, created, err := env.Engine.Raise(env.Ctx, "t2", purchaseCandidate("purchase_need:STEEL", day(3)))
	if err != nil || !created {
		t.Fatalf("same key in another tenant must be created: %v", err)
	}
	for _, tc := range []struct {
		tenant string
		id     string
	}{{"t1", a.ID}, {"t2", b.ID}} {
		list, err := env.Engine.ListSuggestions(env.Ctx, tc.tenant, repo.SuggestionFilter{Status: repo.StatusAny})
		if err != nil {
			t.Fatal(err)
		}
		if len(list) != 1 || list[0].ID != tc.id || list[0].TenantID != tc.tenant {
			t.Fatalf("tenant %s sees %+v", tc.tenant, list)
		}
		counts, err := env.Engine.Counts(env.Ctx, tc.tenant)
		if err != nil {
			t.Fatal(err)
		}
		if counts.Total != 1 || counts.ByType[string(domain.TypePurchase)] != 1 {
			t.Fatalf("tenant %s counts %+v", tc.tenant, counts)
		}
	}
	if _, err := env.Engine.Accept(env.Ctx, "t1", b.ID, "reviewer"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("cross-tenant accept must be not found, got %v", err)
	}
	if _, err := env.Engine.Dismiss(env.Ctx, "t1", b.ID, "reviewer", ""); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("cross-tenant dismiss must be not found, got %v", err)
	}
}

func TestListOrderingAndCounts(t *testing.T) {
	env := newTestEnv(t)
	raise := func(key string, orderBy time.Time) domain.Suggestion {
		s, _, err := env.Engine.Raise(env.Ctx, "t1", purchaseCandidate(key, orderBy))
		if err != nil {
			t.Fatal(err)
		}
		return s
	}
	low := raise("purchase_need:A", day(30))
	critical := raise("purchase_need:B", day(0))
	medium := raise("purchase_need:C", day(8))
	dismissed := raise("purchase_need:D", day(0))
	if _, err := env.Engine.Dismiss(env.Ctx, "t1", dismissed.ID, "reviewer", ""); err != nil {
		t.Fatal(err)
	}
	list, err := env.Engine.ListSuggestions(env.Ctx, "t1", repo.SuggestionFilter{})
	if err != nil {
		t.Fatal(err)
	}
	want := []string{critical.ID, medium.ID, low.ID}
	if len(list) != len(want) {
		t.Fatalf("expected %d pending, got %d", len(want), len(list))
	}
	for i, s := range list {
		if s.ID != want[i] {
			t.Fatalf("position %d: got %s (%s)", i, s.ID, s.Priority)
		}
	}
	onlyCritical, _ := env.Engine.ListSuggestions(env.Ctx, "t1", repo.SuggestionFilter{Priority: "critical"})
	if len(onlyCritical) != 1 {
		t.Fatalf("priority filter returned %d", len(onlyCritical))
	}
	counts, err := env.Engine.Counts(env.Ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if counts.Total != 4 || counts.Pending != 3 || counts.Critical != 1 || counts.ByModule[string(domain.ModuleProduction)] != 3 {
		t.Fatalf("unexpected counts %+v", counts)
	}
	if _, err := env.Engine.ListSuggestions(env.Ctx, "t1", repo.SuggestionFilter{Type: "bogus"}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestProductionToReleaseFlow(t *testing.T) {
	env := newTestEnv(t)
	err := env.Engine.ImportCatalog(env.Ctx, "t1", engine.Catalog{
		BOM:             []domain.BOMLine{{FinishedSKU: "WIDGET-1", MaterialSKU: "STEEL", QtyPer: 2}},
		Vendors:         []domain.Vendor{{ID: "v1", Name: "Steel Co", LeadTimeDays: 5}},
		VendorMaterials: []domain.VendorMaterial{{VendorID: "v1", MaterialSKU: "STEEL", UnitCost: 3}},
	}, "tester")
	if err != nil {
		t.Fatalf("import catalog: %v", err)
	}
	if _, err := env.Engine.CreateOrder(env.Ctx, "t1", engine.CreateOrderOptions{
		RequiredBy: day(20),
		Lines:      []domain.OrderLine{{SKU: "WIDGET-1", Quantity: 80}},
	}); err != nil {
		t.Fatal(err)
	}
	woSuggestions := pending(t, env, "t1", domain.TypeWorkOrder)
	if len(woSuggestions) != 1 {
		t.Fatalf("expected work order suggestion, got %d", len(woSuggestions))
	}
	// The novel work order suggestion already drove purchase detection for its materials.
	purchases := pending(t, env, "t1", domain.TypePurchase)
	if len(purchases) != 1 {
		t.Fatalf("expected purchase suggestion from planned work order, got %d", len(purchases))
	}
	pp := purchases[0].Payload.(domain.PurchasePayload)
	if pp.ShortfallQty != 160 || pp.VendorID != "v1" || !pp.OrderByDate.Equal(day(8)) {
		t.Fatalf("unexpected purchase payload %+v", pp)
	}

	accepted, err := env.Engine.Accept(env.Ctx, "t1", woSuggestions[0].ID, "planner")
	if err != nil {
		t.Fatalf("accept work order: %v", err)
	}
	wo, err := env.Engine.Repo.GetWorkOrder(env.Ctx, "t1", *accepted.ExecutionRef)
	if err != nil {
		t.Fatalf("load created work order: %v", err)
	}
	if wo.Status != domain.WorkOrderWaitingMaterials || wo.Quantity != 80 || len(wo.Materials) != 1 || wo.Materials[0].RequiredQty != 160 {
		t.Fatalf("unexpected work order %+v", wo)
	}
	if wo.SourceSuggestionID == nil || *wo.SourceSuggestionID != accepted.ID {
		t.Fatalf("work order not linked to suggestion")
	}
	if n := len(pending(t, env, "t1", domain.TypePurchase)); n != 1 {
		t.Fatalf("purchase rerun after accept must not duplicate, got %d", n)
	}
	if n := len(pending(t, env, "t1", domain.TypeWorkOrder)); n != 0 {
		t.Fatalf("work order now covers demand, got %d pending", n)
	}

	if _, err := env.Engine.ReceiveMaterial(env.Ctx, "t1", wo.ID, "STEEL", 160, "receiver"); err != nil {
		t.Fatalf("receive: %v", err)
	}
	releases := pending(t, env, "t1", domain.TypeReleaseWO)
	if len(releases) != 1 || releases[0].RootCauseKey != detect.ReleaseKey(wo.ID) {
		t.Fatalf("expected release suggestion, got %+v", releases)
	}
	if _, err := env.Engine.Accept(env.Ctx, "t1", releases[0].ID, "planner"); err != nil {
		t.Fatalf("accept release: %v", err)
	}
	wo, _ = env.Engine.Repo.GetWorkOrder(env.Ctx, "t1", wo.ID)
	if wo.Status != domain.WorkOrderReleased {
		t.Fatalf("expected released work order, got %s", wo.Status)
	}
	if _, err := env.Engine.ReceiveMaterial(env.Ctx, "t1", wo.ID, "COPPER", 1, "receiver"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("unknown material line must be not found, got %v", err)
	}
}

func TestReleaseFailsWhenWorkOrderMoved(t *testing.T) {
	env := newTestEnv(t)
	wo, err := env.Engine.CreateWorkOrder(env.Ctx, "t1", engine.CreateWorkOrderOptions{
		SKU: "A", Quantity: 5, ScheduledStart: day(5),
		Materials: []domain.MaterialLine{{SKU: "X", RequiredQty: 5, ReceivedQty: 5}},
	})
	if err != nil {
		t.Fatal(err)
	}
	res, err := env.Runner.Run(env.Ctx, "t1", orchestrator.HandlerReleaseReady)
	if err != nil || res.Created != 1 {
		t.Fatalf("expected release suggestion, got %+v err=%v", res, err)
	}
	s := pending(t, env, "t1", domain.TypeReleaseWO)[0]
	if _, err := env.Engine.Accept(env.Ctx, "t1", s.ID, "planner"); err != nil {
		t.Fatal(err)
	}
	// Accept a stale second release suggestion for the now released work order.
	stale, _, err := env.Engine.Raise(env.Ctx, "t1", domain.Candidate{
		Type: domain.TypeReleaseWO, SourceModule: domain.ModuleInbound, TargetModule: domain.ModuleProduction,
		RootCauseKey: detect.ReleaseKey(wo.ID), Title: "Release again",
		Payload: domain.ReleasePayload{WorkOrderID: wo.ID, SKU: "A", Materials: wo.Materials},
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Accept(env.Ctx, "t1", stale.ID, "planner"); !errors.Is(err, domain.ErrExecutionFailure) {
		t.Fatalf("expected execution failure, got %v", err)
	}
	got, _ := env.Engine.GetSuggestion(env.Ctx, "t1", stale.ID)
	if got.Status != domain.StatusPending {
		t.Fatalf("failed release must stay pending, got %s", got.Status)
	}
}

func TestForecastCascadeFlow(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.ReviseForecast(env.Ctx, "t1", engine.ReviseForecastOptions{SKU: "WIDGET-1", Period: "2026-W50", Quantity: 100}); err != nil {
		t.Fatal(err)
	}
	wo, err := env.Engine.CreateWorkOrder(env.Ctx, "t1", engine.CreateWorkOrderOptions{
		SKU: "WIDGET-1", Quantity: 50, ScheduledStart: day(40), ForecastPeriod: "2026-W50",
	})
	if err != nil {
		t.Fatal(err)
	}
	if wo.ForecastBasis == nil || *wo.ForecastBasis != 100 {
		t.Fatalf("expected forecast basis 100, got %v", wo.ForecastBasis)
	}
	f, err := env.Engine.ReviseForecast(env.Ctx, "t1", engine.ReviseForecastOptions{SKU: "WIDGET-1", Period: "2026-W50", Quantity: 160})
	if err != nil {
		t.Fatal(err)
	}
	if f.Revision != 1 || f.PreviousQuantity == nil || *f.PreviousQuantity != 100 {
		t.Fatalf("unexpected revision %+v", f)
	}
	list := pending(t, env, "t1", domain.TypeForecastCascade)
	if len(list) != 1 {
		t.Fatalf("expected cascade suggestion, got %d", len(list))
	}
	s := list[0]
	if s.Priority != domain.PriorityHigh && s.Priority != domain.PriorityCritical {
		t.Fatalf("expected high or critical, got %s", s.Priority)
	}
	p := s.Payload.(domain.ForecastCascadePayload)
	if p.PercentChange != 60 || len(p.WorkOrders) != 1 || p.WorkOrders[0].WorkOrderID != wo.ID || p.WorkOrders[0].ProposedQty != 80 {
		t.Fatalf("unexpected cascade payload %+v", p)
	}
	if _, err := env.Engine.Accept(env.Ctx, "t1", s.ID, "planner"); err != nil {
		t.Fatalf("accept cascade: %v", err)
	}
	wo, _ = env.Engine.Repo.GetWorkOrder(env.Ctx, "t1", wo.ID)
	if wo.Quantity != 80 || *wo.ForecastBasis != 160 {
		t.Fatalf("work order not resized: %+v", wo)
	}
	res, err := env.Runner.Run(env.Ctx, "t1", orchestrator.HandlerForecastCascade)
	if err != nil || res.Candidates != 0 {
		t.Fatalf("resized work orders must not cascade again: %+v err=%v", res, err)
	}
}

func TestForecastCascadeAfterSeveralSmallRevisions(t *testing.T) {
	env := newTestEnv(t)
	revise := func(qty float64) {
		t.Helper()
		if _, err := env.Engine.ReviseForecast(env.Ctx, "t1", engine.ReviseForecastOptions{SKU: "WIDGET-1", Period: "2026-W50", Quantity: qty}); err != nil {
			t.Fatal(err)
		}
	}
	revise(100)
	if _, err := env.Engine.CreateWorkOrder(env.Ctx, "t1", engine.CreateWorkOrderOptions{
		SKU: "WIDGET-1", Quantity: 50, ScheduledStart: day(40), ForecastPeriod: "2026-W50",
	}); err != nil {
		t.Fatal(err)
	}
	revise(115)
	if n := len(pending(t, env, "t1", domain.TypeForecastCascade)); n != 0 {
		t.Fatalf("15%% drift is under the threshold, got %d suggestions", n)
	}
	revise(130)
	list := pending(t, env, "t1", domain.TypeForecastCascade)
	if len(list) != 1 {
		t.Fatalf("expected cascade once drift from the sizing basis passes the threshold, got %d", len(list))
	}
	p := list[0].Payload.(domain.ForecastCascadePayload)
	if p.PreviousQty != 115 || p.NewQty != 130 || p.PercentChange != 30 || p.WorkOrders[0].ProposedQty != 65 {
		t.Fatalf("unexpected cascade payload %+v", p)
	}
}

func TestSchedulingFailureDoesNotFailWrite(t *testing.T) {
	env := newTestEnv(t)
	core, logs := observer.New(zap.WarnLevel)
	eng := env.Engine
	eng.Logger = zap.New(core)
	eng.Scheduler = orchestrator.NewAsyncScheduler(orchestrator.NewRegistry(), nil, time.Second)
	if _, err := eng.CreateOrder(env.Ctx, "t1", engine.CreateOrderOptions{
		RequiredBy: day(5), Lines: []domain.OrderLine{{SKU: "A", Quantity: 1}},
	}); err != nil {
		t.Fatalf("write must succeed when scheduling fails: %v", err)
	}
	if logs.FilterMessage("scheduling failure").Len() != 1 {
		t.Fatalf("expected logged scheduling failure, got %d entries", logs.Len())
	}
}

func TestRaiseRejectsInvalidCandidate(t *testing.T) {
	env := newTestEnv(t)
	c := purchaseCandidate("", day(3))
	if _, _, err := env.Engine.Raise(env.Ctx, "t1", c); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	c = purchaseCandidate("purchase_need:X", day(3))
	c.Type = domain.TypeWorkOrder
	if _, _, err := env.Engine.Raise(env.Ctx, "t1", c); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected payload/type mismatch, got %v", err)
	}
	if _, _, err := env.Engine.Raise(env.Ctx, "nobody", purchaseCandidate("purchase_need:X", day(3))); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected unknown tenant, got %v", err)
	}
}

func TestTenantConfigOverridesPriority(t *testing.T) {
	env := newTestEnv(t)
	cfg := config.Default()
	cfg.Priority.HighDays = 1
	cfg.Priority.MediumDays = 2
	if err := env.Engine.SetTenantConfig(env.Ctx, "t1", cfg, "admin"); err != nil {
		t.Fatal(err)
	}
	s, _, err := env.Engine.Raise(env.Ctx, "t1", purchaseCandidate("purchase_need:STEEL", day(3)))
	if err != nil {
		t.Fatal(err)
	}
	if s.Priority != domain.PriorityLow {
		t.Fatalf("expected tenant policy to yield low, got %s", s.Priority)
	}
	got, err := env.Engine.TenantConfig(env.Ctx, "t1")
	if err != nil || got.Priority.HighDays != 1 {
		t.Fatalf("tenant config not stored: %+v err=%v", got, err)
	}
}
