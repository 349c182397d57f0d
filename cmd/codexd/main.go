// Command codexd is the assistant daemon: it serves the session REST API
// and the websocket endpoint that runs conversations.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/djeidy/codex-sub000/guides"
	"github.com/djeidy/codex-sub000/llmclient"
	"github.com/djeidy/codex-sub000/server"
	"github.com/djeidy/codex-sub000/sessionstore"
)

const shutdownTimeout = 5 * time.Second

func main() {
	var (
		addr      = flag.String("addr", "", "listen address (overrides CODEXD_ADDR)")
		model     = flag.String("model", "", "default model (overrides CODEXD_MODEL)")
		dataDir   = flag.String("data-dir", "", "data directory (overrides CODEXD_DATA_DIR)")
		guidesDir = flag.String("guides-dir", "", "guides directory (overrides CODEXD_GUIDES_DIR)")
		debug     = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Parse()

	logger := newLogger(os.Stderr, *debug)

	cfg, err := server.LoadConfig()
	if err != nil {
		logger.Error("load config", "error", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *model != "" {
		cfg.Model = *model
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *guidesDir != "" {
		cfg.GuidesDir = *guidesDir
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid config", "error", err)
		os.Exit(1)
	}

	store, err := sessionstore.New(cfg.DataDir)
	if err != nil {
		logger.Error("open session store", "error", err)
		os.Exit(1)
	}

	g, err := guides.Load(cfg.GuidesDir)
	if err != nil {
		logger.Error("load guides", "dir", cfg.GuidesDir, "error", err)
		os.Exit(1)
	}
	for _, warning := range g.Warnings() {
		logger.Warn("skipped guide", "detail", warning)
	}

	var opts []llmclient.Option
	if cfg.APIKey != "" {
		opts = append(opts, llmclient.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, llmclient.WithBaseURL(cfg.BaseURL))
	}
	client := llmclient.NewClient(opts...)

	srv := server.New(cfg, logger, store, g, client)
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()
	logger.Info("codexd listening",
		"addr", cfg.Addr,
		"model", cfg.Model,
		"data_dir", cfg.DataDir,
		"guides", g.Len(),
		"approval_policy", cfg.ApprovalPolicy,
	)

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server exited", "error", err)
			os.Exit(1)
		}
		return
	case <-sigCtx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", "error", err)
		os.Exit(1)
	}
	<-errCh
}
