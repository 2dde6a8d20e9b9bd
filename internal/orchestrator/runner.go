package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"opsline/internal/detect"
	"opsline/internal/domain"
)

const (
	HandlerProductionNeed  = "detect.production_need"
	HandlerPurchaseNeed    = "detect.purchase_need"
	HandlerReleaseReady    = "detect.release_ready"
	HandlerForecastCascade = "detect.forecast_cascade"
)

// DetectorHandlers lists every detector handler in scan order.
var DetectorHandlers = []string{HandlerProductionNeed, HandlerPurchaseNeed, HandlerReleaseReady, HandlerForecastCascade}

// SnapshotSource loads fresh tenant state for one detector run.
type SnapshotSource interface {
	DetectSettings(ctx context.Context, tenantID string) (detect.Settings, error)
	ProductionSnapshot(ctx context.Context, tenantID string) (detect.ProductionSnapshot, error)
	PurchaseSnapshot(ctx context.Context, tenantID string) (detect.PurchaseSnapshot, error)
	ReleaseSnapshot(ctx context.Context, tenantID string) ([]domain.WorkOrder, error)
	ForecastSnapshot(ctx context.Context, tenantID string) (detect.ForecastSnapshot, error)
}

// CandidateSink is the deduplication gate. created is false when a pending suggestion for the
// same cause already existed.
type CandidateSink interface {
	Raise(ctx context.Context, tenantID string, c domain.Candidate) (s domain.Suggestion, created bool, err error)
}

// RunResult summarizes one detector run.
type RunResult struct {
	Handler    string `json:"handler"`
	Candidates int    `json:"candidates"`
	Created    int    `json:"created"`
	Suppressed int    `json:"suppressed"`
	Failed     int    `json:"failed"`
}

type Runner struct {
	Source      SnapshotSource
	Sink        CandidateSink
	Scheduler   TaskScheduler
	Logger      *zap.Logger
	DetectDelay time.Duration
}

func (r *Runner) logger() *zap.Logger {
	if r.Logger == nil {
		return zap.NewNop()
	}
	return r.Logger
}

// Register binds every detector handler on reg.
func (r *Runner) Register(reg *Registry) {
	for _, name := range DetectorHandlers {
		handler := name
		reg.Register(handler, func(ctx context.Context, task Task) error {
			_, err := r.Run(ctx, task.TenantID, handler)
			return err
		})
	}
}

// Run evaluates one detector for a tenant and funnels its candidates through the sink.
// Candidate failures are logged and counted; only snapshot errors are returned.
func (r *Runner) Run(ctx context.Context, tenantID, handler string) (RunResult, error) {
	res := RunResult{Handler: handler}
	settings, err := r.Source.DetectSettings(ctx, tenantID)
	if err != nil {
		return res, fmt.Errorf("%s: load settings: %w", handler, err)
	}
	candidates, err := r.detect(ctx, tenantID, handler, settings)
	if err != nil {
		return res, fmt.Errorf("%s: %w", handler, err)
	}
	res.Candidates = len(candidates)
	log := r.logger().With(zap.String("tenant_id", tenantID), zap.String("handler", handler))
	for _, c := range candidates {
		s, created, err := r.Sink.Raise(ctx, tenantID, c)
		if err != nil {
			res.Failed++
			log.Warn("candidate rejected", zap.String("root_cause_key", c.RootCauseKey), zap.Error(err))
			continue
		}
		if !created {
			res.Suppressed++
			log.Debug("duplicate suppressed", zap.String("root_cause_key", c.RootCauseKey), zap.String("suggestion_id", s.ID))
			continue
		}
		res.Created++
		log.Info("suggestion raised", zap.String("root_cause_key", c.RootCauseKey), zap.String("suggestion_id", s.ID), zap.String("priority", string(s.Priority)))
		if s.Type == domain.TypeWorkOrder {
			Trigger(ctx, r.Scheduler, r.Logger, r.DetectDelay, Task{Handler: HandlerPurchaseNeed, TenantID: tenantID})
		}
	}
	return res, nil
}

func (r *Runner) detect(ctx context.Context, tenantID, handler string, s detect.Settings) ([]domain.Candidate, error) {
	switch handler {
	case HandlerProductionNeed:
		snap, err := r.Source.ProductionSnapshot(ctx, tenantID)
		if err != nil {
			return nil, err
		}
		return detect.DetectProductionNeed(snap, s), nil
	case HandlerPurchaseNeed:
		snap, err := r.Source.PurchaseSnapshot(ctx, tenantID)
		if err != nil {
			return nil, err
		}
		return detect.DetectPurchaseNeed(snap, s), nil
	case HandlerReleaseReady:
		wos, err := r.Source.ReleaseSnapshot(ctx, tenantID)
		if err != nil {
			return nil, err
		}
		return detect.DetectReleaseReady(wos, s), nil
	case HandlerForecastCascade:
		snap, err := r.Source.ForecastSnapshot(ctx, tenantID)
		if err != nil {
			return nil, err
		}
		return detect.DetectForecastCascade(snap, s), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownHandler, handler)
}

// ScanAll runs every detector concurrently for one tenant. Purchase detection sees work order
// suggestions raised by this scan only through the run the production handler schedules.
func (r *Runner) ScanAll(ctx context.Context, tenantID string) ([]RunResult, error) {
	results := make([]RunResult, len(DetectorHandlers))
	g, gctx := errgroup.WithContext(ctx)
	for i, handler := range DetectorHandlers {
		g.Go(func() error {
			res, err := r.Run(gctx, tenantID, handler)
			results[i] = res
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}

// IsDetectorHandler reports whether name is one of DetectorHandlers.
func IsDetectorHandler(name string) bool {
	return slices.Contains(DetectorHandlers, name)
}

// Validate checks the runner is wired.
func (r *Runner) Validate() error {
	if r.Source == nil {
		return errors.New("runner has no snapshot source")
	}
	if r.Sink == nil {
		return errors.New("runner has no candidate sink")
	}
	return nil
}
