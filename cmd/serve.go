package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"tidbyt.dev/arrivals"
	"tidbyt.dev/arrivals/api"
	"tidbyt.dev/arrivals/model"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serves arrival predictions over HTTP",
	Args:  cobra.NoArgs,
	RunE:  serve,
}

var (
	addr            string
	shutdownTimeout time.Duration
)

func init() {
	serveCmd.Flags().StringVarP(&addr, "addr", "a", "", "Listen address (overrides server.addr)")
	serveCmd.Flags().DurationVarP(&shutdownTimeout, "shutdown-timeout", "", 10*time.Second, "Time allowed for in-flight requests on shutdown")
	rootCmd.AddCommand(serveCmd)
}

func serve(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if addr != "" {
		cfg.Server.Addr = addr
	}

	logger, err := newLogger()
	if err != nil {
		return fmt.Errorf("creating logger: %w", err)
	}
	defer logger.Sync()

	static, release, err := loadStatic(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer release()

	app := arrivals.NewApp(cfg, static, logger)
	app.Connection.AddListener(func(state model.ConnectionState) {
		logger.Info("realtime feed state changed", zap.Stringer("state", state))
	})
	app.Start()
	defer app.Close()

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.NewRouter(app, cfg.Server.AllowedOrigins, logger.Named("api")),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.Server.Addr))
		serveErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serving: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down: %w", err)
	}

	return nil
}
