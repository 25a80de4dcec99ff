package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/quarrydata/quarry/internal/catalog"
	"github.com/quarrydata/quarry/internal/config"
	"github.com/quarrydata/quarry/internal/engine"
	"github.com/quarrydata/quarry/internal/httpapi"
	"github.com/quarrydata/quarry/internal/paths"
)

var flagHTTPAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP service",
	Long: `Start the HTTP service and the background sweepers that expire
live-edit sessions and stale pending uploads.

The listen address comes from --addr, QUARRY_HTTP_ADDR or the config
file, in that order of precedence.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if flagHTTPAddr != "" {
			config.Set("http-addr", flagHTTPAddr)
		}
		log := newLogger()

		resolver := paths.NewResolver(config.DataRoot())
		if err := paths.EnsureDir(resolver.Root()); err != nil {
			return err
		}
		cat, err := catalog.Open(resolver.CatalogPath())
		if err != nil {
			return err
		}
		defer cat.Close()
		eng, err := engine.New()
		if err != nil {
			return err
		}
		defer eng.Close()

		srv := httpapi.NewServer(log, resolver, eng, cat)

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		go runSweepers(ctx, log, srv)

		httpSrv := &http.Server{
			Addr:              config.HTTPAddr(),
			Handler:           srv.Router(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = httpSrv.Shutdown(shutdownCtx)
		}()

		log.Info("listening", "addr", httpSrv.Addr, "data_root", resolver.Root())
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		log.Info("shut down")
		return nil
	},
}

// runSweepers expires sessions and pending uploads on a fixed cadence until
// the context is cancelled.
func runSweepers(ctx context.Context, log *slog.Logger, srv *httpapi.Server) {
	interval := config.SweepInterval()
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweepOnce(ctx, log, srv)
		}
	}
}

func sweepOnce(ctx context.Context, log *slog.Logger, srv *httpapi.Server) {
	sessions, err := srv.Sessions().CleanupExpired(ctx)
	if err != nil {
		log.Error("session sweep failed", "error", err)
	}
	uploadsSwept, err := srv.Uploads().SweepExpired(config.UploadTTL(), time.Now().UTC())
	if err != nil {
		log.Error("upload sweep failed", "error", err)
	}
	if sessions > 0 || uploadsSwept > 0 {
		log.Info("sweep complete", "sessions", sessions, "uploads", uploadsSwept)
	}
}

// newLogger builds the JSON logger, routed through rotation when a log
// file is configured.
func newLogger() *slog.Logger {
	var out io.Writer = os.Stderr
	if file := config.LogFile(); file != "" {
		out = &lumberjack.Logger{
			Filename:   file,
			MaxSize:    config.LogMaxSizeMB(),
			MaxBackups: config.LogMaxBackups(),
			Compress:   true,
		}
	}
	return slog.New(slog.NewJSONHandler(out, nil))
}

func init() {
	serveCmd.Flags().StringVar(&flagHTTPAddr, "addr", "", "listen address (e.g. :8080)")
	rootCmd.AddCommand(serveCmd)
}
