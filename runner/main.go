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

	"github.com/izavyalov-dev/delta-select/internal/artifacts"
	"github.com/izavyalov-dev/delta-select/internal/observability"
	"github.com/izavyalov-dev/delta-select/runner/exec"
	"github.com/izavyalov-dev/delta-select/runner/transport"
)

func main() {
	addr := flag.String("addr", ":8090", "Listen address for batch requests")
	token := flag.String("token", os.Getenv("DELTA_SELECT_RUNNER_TOKEN"), "Bearer token required from the selector")
	workdir := flag.String("workdir", ".", "Working directory for test commands")
	retries := flag.Int("retries", 0, "Reruns of a failing test before it is reported as failed")
	s3Bucket := flag.String("s3-bucket", "", "S3 bucket for test output uploads")
	s3Prefix := flag.String("s3-prefix", "", "S3 key prefix for test output uploads")
	s3Region := flag.String("s3-region", "", "AWS region for S3 (optional)")
	s3Endpoint := flag.String("s3-endpoint", "", "S3-compatible endpoint (optional)")
	flag.Parse()

	logger := observability.NewLogger("runner")
	logger = observability.WithToken(logger, *token)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var uploader transport.OutputUploader
	if *s3Bucket != "" {
		s3Uploader, err := artifacts.NewS3Uploader(ctx, artifacts.S3Config{
			Bucket:   *s3Bucket,
			Prefix:   *s3Prefix,
			Region:   *s3Region,
			Endpoint: *s3Endpoint,
		})
		if err != nil {
			logger.Warn("init s3 uploader", "event", "artifact_upload_disabled", "error", err)
		} else {
			uploader = s3Uploader
		}
	}

	local := &exec.CommandRunner{WorkDir: *workdir, Retries: *retries, Logger: logger}
	mux := http.NewServeMux()
	mux.Handle(transport.BatchPath, transport.NewBatchHandler(local, *token, uploader, logger))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	server := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info("runner agent listening", "event", "runner_started", "addr", *addr, "workdir", *workdir)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("runner agent stopped", "event", "runner_error", "error", err)
		os.Exit(1)
	}
}
