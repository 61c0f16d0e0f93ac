package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-logr/stdr"

	"github.com/UpswitchEU/upswitch-valuation-tester-sub006/internal/mockengine"
)

func main() {
	addr := flag.String("addr", envOrDefault("VALUATION_MOCK_ADDR", ":8090"), "listen address")
	token := flag.String("token", strings.TrimSpace(os.Getenv("VALUATION_MOCK_TOKEN")), "required bearer token (empty disables auth)")
	stepDelay := flag.Duration("step-delay", durationEnv("VALUATION_MOCK_STEP_DELAY", 300*time.Millisecond), "pause between scripted conversation frames")
	replayWindow := flag.Duration("replay-window", durationEnv("VALUATION_MOCK_REPLAY_WINDOW", 24*time.Hour), "how long idempotency keys are remembered")
	failSaves := flag.Int("fail-saves", intEnv("VALUATION_MOCK_FAIL_SAVES", 0), "fail this many saves at startup")
	failStatus := flag.Int("fail-status", intEnv("VALUATION_MOCK_FAIL_STATUS", http.StatusServiceUnavailable), "status code for injected save failures")
	maxBody := flag.Int64("max-body-bytes", int64Env("VALUATION_MOCK_MAX_BODY_BYTES", 0), "request body limit")
	verbosity := flag.Int("v", intEnv("VALUATION_MOCK_VERBOSITY", 0), "log verbosity")
	flag.Parse()

	stdr.SetVerbosity(*verbosity)
	logger := stdr.New(log.Default())

	server := mockengine.NewServer(mockengine.ServerConfig{
		Token:        *token,
		MaxBodyBytes: *maxBody,
		ReplayWindow: *replayWindow,
		StepDelay:    *stepDelay,
		Logger:       logger,
	})
	if *failSaves > 0 {
		server.FailNextSaves(*failSaves, *failStatus, 0)
	}

	httpServer := &http.Server{Addr: *addr, Handler: server, ReadHeaderTimeout: 5 * time.Second}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("shutdown failed: %v", err)
		}
	}()

	log.Printf("mock valuation engine listening on %s", *addr)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("server failed: %v", err)
	}
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func intEnv(name string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}
