package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"expense-reconciliation-backend/internal/logging"
	"expense-reconciliation-backend/internal/middleware"
	"expense-reconciliation-backend/internal/routes"
	"expense-reconciliation-backend/internal/services/matching"
	service "expense-reconciliation-backend/internal/services/reconciliation"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the background scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context())
		},
	}
}

func serve(ctx context.Context) error {
	a, err := bootstrap()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	scheduler := service.NewScheduler(a.svc, a.cfg.Sync.Interval, a.cfg.Sync.TokenRefreshInterval, a.log)
	scheduler.Start(ctx)
	defer scheduler.Stop()

	gin.SetMode(a.cfg.Server.Mode)
	r := gin.New()
	r.Use(gin.Recovery(), logging.GinLogger(a.log))
	// CORS config
	r.Use(cors.New(cors.Config{
		AllowOrigins:     a.cfg.Server.CORSOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	jwt := middleware.NewJWTManager(a.cfg.Auth.JWTSecret, a.cfg.Auth.Issuer, middleware.DefaultTokenExpiry)
	routes.RegisterRoutes(r, a.svc, jwt, a.log)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		a.log.Info().Str("addr", srv.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	a.log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			_, err = openDB(cfg, log)
			return err
		},
	}
}

func syncCmd() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Sync every active mailbox of one user",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap()
			if err != nil {
				return err
			}
			result, err := a.svc.SyncAll(cmd.Context(), userID, service.TriggerCLI)
			if err != nil {
				return err
			}
			return printJSON(cmd, result)
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id to sync")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func reprocessCmd() *cobra.Command {
	var (
		userID          string
		includeRejected bool
	)
	cmd := &cobra.Command{
		Use:   "reprocess",
		Short: "Re-resolve and re-apply stored transactions without fetching mail",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap()
			if err != nil {
				return err
			}
			result, err := a.svc.ReprocessAll(cmd.Context(), userID, includeRejected)
			if err != nil {
				return err
			}
			return printJSON(cmd, result)
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id to reprocess")
	cmd.Flags().BoolVar(&includeRejected, "include-rejected", false, "also retry rejected transactions and discoveries")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func resetWatermarkCmd() *cobra.Command {
	var integration string
	cmd := &cobra.Command{
		Use:   "reset-watermark",
		Short: "Make the next sync rescan the whole lookback window",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(integration)
			if err != nil {
				return fmt.Errorf("invalid integration id: %w", err)
			}
			a, err := bootstrap()
			if err != nil {
				return err
			}
			if err := a.svc.ResetWatermark(cmd.Context(), id); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "watermark reset for", id)
			return nil
		},
	}
	cmd.Flags().StringVar(&integration, "integration", "", "integration id")
	_ = cmd.MarkFlagRequired("integration")
	return cmd
}

func importReportCmd() *cobra.Command {
	var userID, integration, file string
	cmd := &cobra.Command{
		Use:   "import-report",
		Short: "Stage the accounts of a parsed credit-bureau report for review",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			var accounts []matching.ReportAccount
			if err := json.Unmarshal(data, &accounts); err != nil {
				return fmt.Errorf("decode %s: %w", file, err)
			}
			var integrationID *uuid.UUID
			if integration != "" {
				id, err := uuid.Parse(integration)
				if err != nil {
					return fmt.Errorf("invalid integration id: %w", err)
				}
				integrationID = &id
			}

			a, err := bootstrap()
			if err != nil {
				return err
			}
			result, err := a.svc.ImportReportAccounts(cmd.Context(), userID, integrationID, accounts)
			if err != nil {
				return err
			}
			return printJSON(cmd, result)
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id owning the report")
	cmd.Flags().StringVar(&integration, "integration", "", "integration id to file the accounts under")
	cmd.Flags().StringVarP(&file, "file", "f", "", "JSON array of report accounts")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
