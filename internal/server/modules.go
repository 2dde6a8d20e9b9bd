package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"go.uber.org/zap"

	"opsline/internal/domain"
	"opsline/internal/engine"
	"opsline/internal/repo"
)

func repoFilter(typ, module, priority, status string, limit int) repo.SuggestionFilter {
	return repo.SuggestionFilter{Type: typ, SourceModule: module, Priority: priority, Status: status, Limit: limit}
}

// registerModules exposes the module write paths. Each write triggers detection after commit.
func registerModules(api huma.API, e engine.Engine, logger *zap.Logger) {
	writeErrors := []int{http.StatusBadRequest, http.StatusNotFound}

	huma.Register(api, huma.Operation{
		OperationID:   "create-order",
		Method:        http.MethodPost,
		Path:          "/orders",
		Summary:       "Create outbound order",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateOrderRequest `json:"body"`
	}) (*struct {
		Body domain.OutboundOrder `json:"body"`
	}, error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		requiredBy, err := parseDate("required_by", input.Body.RequiredBy)
		if err != nil {
			return nil, handleError(logger, err)
		}
		o, err := e.CreateOrder(ctx, p.TenantID, engine.CreateOrderOptions{
			ID:         input.Body.ID,
			Customer:   input.Body.Customer,
			Priority:   domain.Priority(input.Body.Priority),
			RequiredBy: requiredBy,
			Lines:      input.Body.Lines,
			ActorID:    p.ActorID,
		})
		if err != nil {
			return nil, handleError(logger, err)
		}
		return &struct {
			Body domain.OutboundOrder `json:"body"`
		}{Body: o}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-work-order",
		Method:        http.MethodPost,
		Path:          "/work-orders",
		Summary:       "Create work order",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateWorkOrderRequest `json:"body"`
	}) (*workOrderOutput, error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		start, err := parseDate("scheduled_start", input.Body.ScheduledStart)
		if err != nil {
			return nil, handleError(logger, err)
		}
		end, err := parseDate("scheduled_end", input.Body.ScheduledEnd)
		if err != nil {
			return nil, handleError(logger, err)
		}
		wo, err := e.CreateWorkOrder(ctx, p.TenantID, engine.CreateWorkOrderOptions{
			ID:             input.Body.ID,
			SKU:            input.Body.SKU,
			Quantity:       input.Body.Quantity,
			ScheduledStart: start,
			ScheduledEnd:   end,
			ForecastPeriod: input.Body.ForecastPeriod,
			Materials:      materialLines(input.Body.Materials),
			ActorID:        p.ActorID,
		})
		if err != nil {
			return nil, handleError(logger, err)
		}
		return &workOrderOutput{Body: wo}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "receive-material",
		Method:      http.MethodPost,
		Path:        "/work-orders/{id}/receipts",
		Summary:     "Book a material receipt against a work order",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		ID   string         `path:"id"`
		Body ReceiptRequest `json:"body"`
	}) (*workOrderOutput, error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		wo, err := e.ReceiveMaterial(ctx, p.TenantID, input.ID, input.Body.SKU, input.Body.Quantity, p.ActorID)
		if err != nil {
			return nil, handleError(logger, err)
		}
		return &workOrderOutput{Body: wo}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "put-inventory",
		Method:      http.MethodPut,
		Path:        "/inventory/{sku}",
		Summary:     "Replace the stock record of one sku",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		SKU  string           `path:"sku"`
		Body InventoryRequest `json:"body"`
	}) (*struct {
		Body domain.InventoryItem `json:"body"`
	}, error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		item, err := e.AdjustInventory(ctx, p.TenantID, domain.InventoryItem{
			SKU:      input.SKU,
			Kind:     input.Body.Kind,
			OnHand:   input.Body.OnHand,
			Reserved: input.Body.Reserved,
			UnitCost: input.Body.UnitCost,
		}, p.ActorID)
		if err != nil {
			return nil, handleError(logger, err)
		}
		return &struct {
			Body domain.InventoryItem `json:"body"`
		}{Body: item}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "revise-forecast",
		Method:      http.MethodPut,
		Path:        "/forecasts",
		Summary:     "Create or revise the forecast of a sku and period",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		Body ForecastRequest `json:"body"`
	}) (*struct {
		Body domain.Forecast `json:"body"`
	}, error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		f, err := e.ReviseForecast(ctx, p.TenantID, engine.ReviseForecastOptions{
			SKU:      input.Body.SKU,
			Period:   input.Body.Period,
			Quantity: input.Body.Quantity,
			ActorID:  p.ActorID,
		})
		if err != nil {
			return nil, handleError(logger, err)
		}
		return &struct {
			Body domain.Forecast `json:"body"`
		}{Body: f}, nil
	})
}

type workOrderOutput struct {
	Body domain.WorkOrder `json:"body"`
}
