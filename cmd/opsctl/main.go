package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"opsline/internal/app"
	"opsline/internal/config"
	"opsline/internal/db"
	"opsline/internal/domain"
	"opsline/internal/engine"
)

var rootCmd = &cobra.Command{
	Use:   "opsctl",
	Short: "Opsline Command Center CLI",
	Long: `Opsline watches the outbound, production, inbound and plan modules of each tenant and
raises reviewable suggestions when one module's state calls for action in another.
- Suggestions: work_order, purchase, release_wo and forecast_cascade; each is pending until a
  reviewer accepts (the target module write happens), dismisses it, or its need date passes.
- Detectors: run after every module write, and on demand with 'opsctl scan'.
- Tenants: every command works on one tenant (--tenant, or the only tenant in the workspace).
- Workspace: the .opsline directory holding the SQLite database; per-tenant config lives in it.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_, err := db.EnsureWorkspace(viper.GetString("workspace"))
		return err
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("OPSLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().StringP("tenant", "t", "", "tenant id")
	rootCmd.PersistentFlags().String("log-level", "warn", "log level (debug, info, warn, error)")
	for _, name := range []string{"workspace", "json", "actor-id", "tenant", "log-level"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(tenantCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(suggestionsCmd())
	rootCmd.AddCommand(scanCmd())
	rootCmd.AddCommand(orderCmd())
	rootCmd.AddCommand(workOrderCmd())
	rootCmd.AddCommand(inventoryCmd())
	rootCmd.AddCommand(forecastCmd())
	rootCmd.AddCommand(catalogCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(serveCmd())
}

func newLogger() (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(viper.GetString("log-level"))
	if err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	if level.Level() == zap.DebugLevel {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = level
	cfg.OutputPaths = []string{"stderr"}
	return cfg.Build()
}

// openStack opens the workspace stack. One-shot commands run detectors inline so their effects
// are visible before the process exits.
func openStack(ctx context.Context, inline bool) (*app.Stack, error) {
	logger, err := newLogger()
	if err != nil {
		return nil, err
	}
	return app.Open(ctx, app.Options{
		Workspace: viper.GetString("workspace"),
		Logger:    logger,
		Inline:    inline,
	})
}

// withEngine runs fn against the resolved tenant.
func withEngine(ctx context.Context, fn func(ctx context.Context, e engine.Engine, tenantID string) error) error {
	s, err := openStack(ctx, true)
	if err != nil {
		return err
	}
	defer s.Close()
	defer s.Logger.Sync()
	tenantID, _, err := app.ResolveTenantAndConfig(ctx, s.Engine, viper.GetString("tenant"), actorID())
	if err != nil {
		return err
	}
	return fn(ctx, s.Engine, tenantID)
}

func withStack(ctx context.Context, fn func(ctx context.Context, s *app.Stack, tenantID string) error) error {
	s, err := openStack(ctx, true)
	if err != nil {
		return err
	}
	defer s.Close()
	tenantID, _, err := app.ResolveTenantAndConfig(ctx, s.Engine, viper.GetString("tenant"), actorID())
	if err != nil {
		return err
	}
	return fn(ctx, s, tenantID)
}

func actorID() string {
	return viper.GetString("actor-id")
}

func tenantCmd() *cobra.Command {
	t := &cobra.Command{Use: "tenant", Short: "Manage tenants"}
	t.AddCommand(tenantCreateCmd())
	t.AddCommand(tenantListCmd())
	return t
}

func tenantCreateCmd() *cobra.Command {
	var id, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Register a tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openStack(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer s.Close()
			t, err := s.Engine.InitTenant(cmd.Context(), id, name, actorID())
			if err != nil {
				return err
			}
			return printJSONOrTable(t)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "tenant id")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func tenantListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List tenants",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openStack(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer s.Close()
			items, err := s.Engine.Repo.ListTenants(cmd.Context())
			if err != nil {
				return err
			}
			return printJSONOrTable(items)
		},
	}
}

func configCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "config",
		Short: "Manage tenant config",
		Long:  "Config holds the detection windows, priority policy, expiry sweep and scheduler settings of a tenant. It is stored in the DB and imported explicitly.",
	}
	c.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective tenant config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, tenantID string) error {
				cfg, err := e.TenantConfig(ctx, tenantID)
				if err != nil {
					return err
				}
				return printJSONOrTable(cfg)
			})
		},
	})
	c.AddCommand(&cobra.Command{
		Use:   "default",
		Short: "Print the default config YAML",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Print(config.GenerateDefault())
		},
	})
	var filePath string
	imp := &cobra.Command{
		Use:   "import",
		Short: "Import tenant config from YAML into the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromFile(filePath)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, tenantID string) error {
				if err := e.SetTenantConfig(ctx, tenantID, cfg, actorID()); err != nil {
					return err
				}
				return printJSONOrTable(cfg)
			})
		},
	}
	imp.Flags().StringVar(&filePath, "file", "", "path to YAML config")
	_ = imp.MarkFlagRequired("file")
	c.AddCommand(imp)
	return c
}

func logCmd() *cobra.Command {
	var n int
	var entityID string
	l := &cobra.Command{Use: "log", Short: "Audit log"}
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show the newest events of the tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, tenantID string) error {
				evts, err := e.ListEvents(ctx, tenantID, entityID, n)
				if err != nil {
					return err
				}
				return printJSONOrTable(evts)
			})
		},
	}
	tail.Flags().IntVar(&n, "n", 20, "number of events")
	tail.Flags().StringVar(&entityID, "entity-id", "", "entity id filter")
	l.AddCommand(tail)
	return l
}

// --- helpers ---

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// parseDate accepts YYYY-MM-DD or RFC 3339.
func parseDate(flag, raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(domain.DateLayout, raw); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("--%s: invalid date %q", flag, raw)
	}
	return t.UTC(), nil
}
