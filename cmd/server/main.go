package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"expense-reconciliation-backend/internal/config"
	"expense-reconciliation-backend/internal/logging"
	"expense-reconciliation-backend/internal/services/mailgateway"
	"expense-reconciliation-backend/internal/services/parser"
	service "expense-reconciliation-backend/internal/services/reconciliation"
)

var configPath string

func main() {
	// Load .env
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:           "expensed",
		Short:         "Ingest bank alert mail and reconcile account balances",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context())
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file (default ./config.yaml)")
	root.AddCommand(serveCmd(), migrateCmd(), syncCmd(), reprocessCmd(), resetWatermarkCmd(), importReportCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// app is everything a command needs once configuration is loaded.
type app struct {
	cfg *config.Config
	log zerolog.Logger
	svc *service.ReconciliationService
}

func loadConfig() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	log := logging.New(cfg.Log.Level, cfg.Log.Format)
	return cfg, log, nil
}

func openDB(cfg *config.Config, log zerolog.Logger) (*gorm.DB, error) {
	db, err := config.InitDB(cfg.Database)
	if err != nil {
		return nil, err
	}
	if err := config.Migrate(db); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	log.Info().Str("driver", cfg.Database.Driver).Msg("database ready")
	return db, nil
}

func bootstrap() (*app, error) {
	cfg, log, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	db, err := openDB(cfg, log)
	if err != nil {
		return nil, err
	}

	p := parser.NewDefault()
	if cfg.Parser.RulesFile != "" {
		specs, err := parser.LoadRules(cfg.Parser.RulesFile)
		if err != nil {
			return nil, err
		}
		if p, err = parser.New(specs); err != nil {
			return nil, err
		}
	}
	log.Info().Strs("rules", p.Rules()).Msg("parser ready")

	cipher, err := mailgateway.NewTokenCipher(cfg.Crypto.TokenKey)
	if err != nil {
		return nil, err
	}

	svc, err := service.NewReconciliationService(db, cfg, gateways(cfg, log), p, cipher, log)
	if err != nil {
		return nil, err
	}
	return &app{cfg: cfg, log: log, svc: svc}, nil
}

// gateways registers every provider that has OAuth credentials configured.
func gateways(cfg *config.Config, log zerolog.Logger) *mailgateway.Registry {
	opts := mailgateway.Options{
		RequestsPerSecond: cfg.Sync.RequestsPerSecond,
		RequestTimeout:    cfg.Sync.RequestTimeout,
		MaxMessages:       cfg.Sync.MaxMessages,
		Query:             cfg.Sync.Query,
		Logger:            log,
	}
	registry := mailgateway.NewRegistry()
	if cfg.Providers.Gmail.Enabled() {
		registry.Register(mailgateway.NewGmail(cfg.Providers.Gmail, opts))
	}
	if cfg.Providers.Outlook.Enabled() {
		registry.Register(mailgateway.NewOutlook(cfg.Providers.Outlook, opts))
	}
	if cfg.Providers.Yahoo.Enabled() {
		registry.Register(mailgateway.NewYahoo(cfg.Providers.Yahoo, opts))
	}
	if len(registry.Providers()) == 0 {
		log.Warn().Msg("no mail provider has credentials configured")
	}
	return registry
}
