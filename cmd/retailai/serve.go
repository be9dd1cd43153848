package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hazzzzzy/mvp-retail-ai/crm"
	"github.com/hazzzzzy/mvp-retail-ai/server"
)

var (
	mockCRM     bool
	corsOrigins []string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	Long: `Serve /api/health, /api/chat, /api/chat/stream, /api/execute and /metrics.

With --mock-crm an in-memory coupon service is mounted under /mock/crm, which
is the default CRM base URL for local runs.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&mockCRM, "mock-crm", false, "mount the in-memory coupon service under /mock/crm")
	serveCmd.Flags().StringSliceVar(&corsOrigins, "cors-origin", []string{"http://127.0.0.1:5173", "http://localhost:5173"}, "allowed CORS origins")
}

func runServe(cmd *cobra.Command, _ []string) error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.wire(ctx); err != nil {
		return err
	}

	opts := []server.Option{
		server.WithLogger(a.log),
		server.WithModel(a.cfg.LLM.Model),
		server.WithAllowedOrigins(corsOrigins...),
	}
	if mockCRM {
		opts = append(opts, server.WithMount("/mock/crm", crm.NewMockServer().Routes))
	}

	srv := &http.Server{
		Addr:              a.cfg.ListenAddr,
		Handler:           server.New(a.orch, opts...).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.log.Info("listening", zap.String("addr", srv.Addr), zap.Bool("mock_crm", mockCRM))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		a.log.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
