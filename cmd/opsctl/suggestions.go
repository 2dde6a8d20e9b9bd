package main

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"opsline/internal/app"
	"opsline/internal/domain"
	"opsline/internal/engine"
	"opsline/internal/orchestrator"
	"opsline/internal/repo"
)

func suggestionsCmd() *cobra.Command {
	s := &cobra.Command{
		Use:     "suggestions",
		Aliases: []string{"sg"},
		Short:   "Review Command Center suggestions",
		Long:    "Suggestions stay pending until accepted (the target module write runs in the same transaction), dismissed, or expired after their need date.",
	}
	s.AddCommand(suggestionsListCmd())
	s.AddCommand(suggestionsCountsCmd())
	s.AddCommand(suggestionsShowCmd())
	s.AddCommand(suggestionsAcceptCmd())
	s.AddCommand(suggestionsDismissCmd())
	s.AddCommand(suggestionsExpireCmd())
	return s
}

func suggestionsListCmd() *cobra.Command {
	var f repo.SuggestionFilter
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List suggestions, most urgent first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, tenantID string) error {
				items, err := e.ListSuggestions(ctx, tenantID, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				printSuggestions(items)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Type, "type", "", "type filter (work_order, purchase, release_wo, forecast_cascade)")
	cmd.Flags().StringVar(&f.SourceModule, "module", "", "source module filter")
	cmd.Flags().StringVar(&f.Priority, "priority", "", "priority filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter (default pending, 'any' for all)")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max rows")
	return cmd
}

func printSuggestions(items []domain.Suggestion) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Priority", "Type", "Status", "Need By", "Title"})
	for _, s := range items {
		needBy := ""
		if s.NeedBy != nil {
			needBy = s.NeedBy.Format(domain.DateLayout)
		}
		tw.AppendRow(table.Row{s.ID, s.Priority, s.Type, s.Status, needBy, s.Title})
	}
	tw.Render()
}

func suggestionsCountsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "counts",
		Short: "Summary counts for the Command Center",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, tenantID string) error {
				c, err := e.Counts(ctx, tenantID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(c)
				}
				fmt.Printf("Total: %d  Pending: %d  Critical: %d\n", c.Total, c.Pending, c.Critical)
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Group", "Key", "Pending"})
				for _, k := range sortedKeys(c.ByType) {
					tw.AppendRow(table.Row{"type", k, c.ByType[k]})
				}
				for _, k := range sortedKeys(c.ByModule) {
					tw.AppendRow(table.Row{"module", k, c.ByModule[k]})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func suggestionsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one suggestion with its payload",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, tenantID string) error {
				s, err := e.GetSuggestion(ctx, tenantID, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
}

func suggestionsAcceptCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "accept <id>",
		Short: "Accept a suggestion and execute it in the target module",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, tenantID string) error {
				s, err := e.Accept(ctx, tenantID, args[0], actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
}

func suggestionsDismissCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "dismiss <id>",
		Short: "Dismiss a suggestion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, tenantID string) error {
				s, err := e.Dismiss(ctx, tenantID, args[0], actorID(), reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the suggestion was dismissed")
	return cmd
}

func suggestionsExpireCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "expire-overdue",
		Short: "Expire pending suggestions whose need date passed",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, tenantID string) error {
				expired, err := e.ExpireOverdue(ctx, tenantID, actorID())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(expired)
				}
				fmt.Printf("Expired %d suggestion(s)\n", len(expired))
				if len(expired) > 0 {
					printSuggestions(expired)
				}
				return nil
			})
		},
	}
}

func scanCmd() *cobra.Command {
	var handler string
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Run detectors now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStack(cmd.Context(), func(ctx context.Context, s *app.Stack, tenantID string) error {
				var results []orchestrator.RunResult
				if handler != "" {
					if !orchestrator.IsDetectorHandler(handler) {
						return fmt.Errorf("unknown detector %q (one of %v)", handler, orchestrator.DetectorHandlers)
					}
					res, err := s.Runner.Run(ctx, tenantID, handler)
					if err != nil {
						return err
					}
					results = append(results, res)
				} else {
					var err error
					if results, err = s.Runner.ScanAll(ctx, tenantID); err != nil {
						return err
					}
				}
				if viper.GetBool("json") {
					return printJSON(results)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Detector", "Candidates", "Created", "Suppressed", "Failed"})
				for _, r := range results {
					tw.AppendRow(table.Row{r.Handler, r.Candidates, r.Created, r.Suppressed, r.Failed})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&handler, "detector", "", "run only this detector")
	return cmd
}
