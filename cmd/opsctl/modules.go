package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"opsline/internal/domain"
	"opsline/internal/engine"
)

// parseLines reads repeated SKU=QTY flags.
func parseLines(raw []string) ([]domain.OrderLine, error) {
	lines := make([]domain.OrderLine, 0, len(raw))
	for _, item := range raw {
		sku, qty, ok := strings.Cut(item, "=")
		if !ok {
			return nil, fmt.Errorf("invalid line %q, want SKU=QTY", item)
		}
		q, err := strconv.ParseFloat(qty, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid quantity in %q: %w", item, err)
		}
		lines = append(lines, domain.OrderLine{SKU: strings.TrimSpace(sku), Quantity: q})
	}
	return lines, nil
}

func orderCmd() *cobra.Command {
	o := &cobra.Command{Use: "order", Short: "Outbound orders"}
	var opts engine.CreateOrderOptions
	var lines []string
	var requiredBy, priority string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an outbound order",
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if opts.Lines, err = parseLines(lines); err != nil {
				return err
			}
			if opts.RequiredBy, err = parseDate("required-by", requiredBy); err != nil {
				return err
			}
			opts.Priority = domain.Priority(priority)
			opts.ActorID = actorID()
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, tenantID string) error {
				order, err := e.CreateOrder(ctx, tenantID, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(order)
			})
		},
	}
	create.Flags().StringVar(&opts.ID, "id", "", "order id (generated if omitted)")
	create.Flags().StringVar(&opts.Customer, "customer", "", "customer")
	create.Flags().StringVar(&priority, "priority", "", "priority (low, medium, high, critical)")
	create.Flags().StringVar(&requiredBy, "required-by", "", "required-by date (YYYY-MM-DD)")
	create.Flags().StringArrayVar(&lines, "line", nil, "order line SKU=QTY (repeatable)")
	_ = create.MarkFlagRequired("required-by")
	o.AddCommand(create)
	return o
}

func workOrderCmd() *cobra.Command {
	w := &cobra.Command{Use: "work-order", Aliases: []string{"wo"}, Short: "Production work orders"}

	var opts engine.CreateWorkOrderOptions
	var start, end string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a work order; materials default to the BOM explosion",
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if opts.ScheduledStart, err = parseDate("start", start); err != nil {
				return err
			}
			if opts.ScheduledEnd, err = parseDate("end", end); err != nil {
				return err
			}
			opts.ActorID = actorID()
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, tenantID string) error {
				wo, err := e.CreateWorkOrder(ctx, tenantID, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(wo)
			})
		},
	}
	create.Flags().StringVar(&opts.ID, "id", "", "work order id (generated if omitted)")
	create.Flags().StringVar(&opts.SKU, "sku", "", "finished sku")
	create.Flags().Float64Var(&opts.Quantity, "qty", 0, "planned quantity")
	create.Flags().StringVar(&start, "start", "", "scheduled start (YYYY-MM-DD)")
	create.Flags().StringVar(&end, "end", "", "scheduled end (YYYY-MM-DD)")
	create.Flags().StringVar(&opts.ForecastPeriod, "forecast-period", "", "link to the forecast of this period")
	w.AddCommand(create)

	var sku string
	var qty float64
	receive := &cobra.Command{
		Use:   "receive <work-order-id>",
		Short: "Book a material receipt against a work order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, tenantID string) error {
				wo, err := e.ReceiveMaterial(ctx, tenantID, args[0], sku, qty, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(wo)
			})
		},
	}
	receive.Flags().StringVar(&sku, "sku", "", "material sku")
	receive.Flags().Float64Var(&qty, "qty", 0, "received quantity")
	_ = receive.MarkFlagRequired("sku")
	w.AddCommand(receive)

	var openOnly bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List work orders",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, tenantID string) error {
				items, err := e.Repo.ListWorkOrders(ctx, tenantID, openOnly)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	list.Flags().BoolVar(&openOnly, "open", true, "only open work orders")
	w.AddCommand(list)
	return w
}

func inventoryCmd() *cobra.Command {
	inv := &cobra.Command{Use: "inventory", Short: "Stock records"}
	var item domain.InventoryItem
	set := &cobra.Command{
		Use:   "set <sku>",
		Short: "Replace the stock record of a sku",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			item.SKU = args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, tenantID string) error {
				saved, err := e.AdjustInventory(ctx, tenantID, item, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(saved)
			})
		},
	}
	set.Flags().StringVar(&item.Kind, "kind", domain.InventoryFinished, "finished or raw")
	set.Flags().Float64Var(&item.OnHand, "on-hand", 0, "on-hand quantity")
	set.Flags().Float64Var(&item.Reserved, "reserved", 0, "reserved quantity")
	set.Flags().Float64Var(&item.UnitCost, "unit-cost", 0, "unit cost")
	inv.AddCommand(set)
	return inv
}

func forecastCmd() *cobra.Command {
	f := &cobra.Command{Use: "forecast", Short: "Demand plan"}
	var opts engine.ReviseForecastOptions
	revise := &cobra.Command{
		Use:   "revise",
		Short: "Create or revise the forecast of a sku and period",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = actorID()
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, tenantID string) error {
				fc, err := e.ReviseForecast(ctx, tenantID, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(fc)
			})
		},
	}
	revise.Flags().StringVar(&opts.SKU, "sku", "", "sku")
	revise.Flags().StringVar(&opts.Period, "period", "", "period (2026-W50, 2026-12 or 2026-12-07)")
	revise.Flags().Float64Var(&opts.Quantity, "qty", 0, "forecast quantity")
	_ = revise.MarkFlagRequired("sku")
	_ = revise.MarkFlagRequired("period")
	f.AddCommand(revise)
	return f
}

func catalogCmd() *cobra.Command {
	c := &cobra.Command{Use: "catalog", Short: "Master data: BOM, vendors, stock"}
	var filePath string
	imp := &cobra.Command{
		Use:   "import",
		Short: "Import BOM lines, vendors, vendor materials and inventory from YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(filePath)
			if err != nil {
				return err
			}
			catalog, err := engine.ParseCatalog(data)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, tenantID string) error {
				if err := e.ImportCatalog(ctx, tenantID, catalog, actorID()); err != nil {
					return err
				}
				fmt.Printf("Imported %d BOM lines, %d vendors, %d vendor materials, %d inventory records\n",
					len(catalog.BOM), len(catalog.Vendors), len(catalog.VendorMaterials), len(catalog.Inventory))
				return nil
			})
		},
	}
	imp.Flags().StringVar(&filePath, "file", "", "path to catalog YAML")
	_ = imp.MarkFlagRequired("file")
	c.AddCommand(imp)
	return c
}
