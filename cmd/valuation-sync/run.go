package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/UpswitchEU/upswitch-valuation-tester-sub006/internal/collect"
	"github.com/UpswitchEU/upswitch-valuation-tester-sub006/internal/config"
	"github.com/UpswitchEU/upswitch-valuation-tester-sub006/internal/metrics"
	"github.com/UpswitchEU/upswitch-valuation-tester-sub006/internal/orchestrator"
	"github.com/UpswitchEU/upswitch-valuation-tester-sub006/internal/remote"
	"github.com/UpswitchEU/upswitch-valuation-tester-sub006/internal/session"
	"github.com/UpswitchEU/upswitch-valuation-tester-sub006/internal/storage"
	"github.com/UpswitchEU/upswitch-valuation-tester-sub006/internal/stream"
)

var errQuit = errors.New("quit requested")

type runFlags struct {
	recordID       string
	flow           string
	autosaveJitter float64
	metricsAddr    string
	exitTimeout    time.Duration
}

func newRunCmd(root *rootOptions) *cobra.Command {
	flags := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Open a valuation session and keep it in sync",
		Long: `Open a valuation session and keep it in sync with the engine.

Lines read from stdin are sent to the engine as conversation messages.
Commands:
  /set <field> <value>   edit a field and schedule a recalculation
  /recalc                run a pending recalculation now
  /save                  save the session
  /status                show fields, assets and stream state
  /quit                  save and exit`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.load(cmd)
			if err != nil {
				return err
			}
			return runSession(cmd, cfg, *flags)
		},
	}
	f := cmd.Flags()
	f.StringVar(&flags.recordID, "record", "", "record id of the valuation session")
	f.StringVar(&flags.flow, "flow", string(session.FlowConversational), "flow for new sessions: manual, conversational or shared")
	f.String("user", "", "user id sent with stream messages")
	f.Duration("debounce", 0, "recalculation debounce (500ms-800ms)")
	f.Duration("autosave", 0, "autosave interval, 0 disables")
	f.Float64Var(&flags.autosaveJitter, "autosave-jitter", 0.2, "autosave interval jitter ratio (0.0-1.0)")
	f.StringVar(&flags.metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address")
	f.DurationVar(&flags.exitTimeout, "exit-timeout", 10*time.Second, "time allowed for the final save")
	_ = cmd.MarkFlagRequired("record")
	return cmd
}

func runSession(cmd *cobra.Command, cfg config.Config, flags runFlags) error {
	flow := session.FlowKind(flags.flow)
	if !flow.Valid() {
		return fmt.Errorf("unknown flow %q", flags.flow)
	}
	logger := newLogger(cmd.ErrOrStderr(), cfg.Verbosity)
	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	o, err := newOrchestrator(cfg, logger, m, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	defer func() {
		if err := o.Close(); err != nil {
			logger.Error(err, "shutdown")
		}
	}()

	rootCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opened, err := o.Open(rootCtx, flags.recordID, flow)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "opened %s (%s, %s)\n", opened.RecordID, opened.FlowKind, opened.Confirmation)
	if opened.FlowKind == session.FlowConversational {
		if err := o.Connect(rootCtx); err != nil {
			return err
		}
	}

	g, ctx := errgroup.WithContext(rootCtx)
	lines := readLines(cmd.InOrStdin())
	g.Go(func() error {
		return runCommands(ctx, o, lines, out)
	})
	if cfg.Autosave > 0 {
		g.Go(func() error {
			autosave(ctx, o, cfg.Autosave, flags.autosaveJitter, logger)
			return nil
		})
	}
	if flags.metricsAddr != "" {
		g.Go(func() error {
			return serveMetrics(ctx, flags.metricsAddr, registry)
		})
	}
	err = g.Wait()
	if errors.Is(err, errQuit) || errors.Is(err, context.Canceled) {
		err = nil
	}

	exitCtx, cancel := context.WithTimeout(context.Background(), flags.exitTimeout)
	defer cancel()
	if exitErr := o.Exit(exitCtx); exitErr != nil {
		return errors.Join(err, fmt.Errorf("final save: %w", exitErr))
	}
	return err
}

func newOrchestrator(cfg config.Config, logger logr.Logger, m *metrics.Metrics, out io.Writer) (*orchestrator.Orchestrator, error) {
	backend, err := storage.BuildFromDSN(cfg.StorageDSN, logger)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	client := remote.NewHTTPClient(remote.Options{
		BaseURL:    cfg.EngineURL,
		Token:      cfg.EngineToken,
		MaxRetries: cfg.EngineRetries,
		Logger:     logger.WithName("remote"),
	})
	var header http.Header
	if cfg.EngineToken != "" {
		header = http.Header{"Authorization": []string{"Bearer " + cfg.EngineToken}}
	}
	o, err := orchestrator.New(orchestrator.Options{
		Storage:   backend,
		Remote:    client,
		StreamURL: cfg.StreamURL,
		Stream: stream.Options{
			Dialer:            stream.WebsocketDialer(header),
			MaxRetries:        cfg.StreamRetries,
			InitialBackoff:    cfg.StreamBackoff,
			MaxBackoff:        cfg.StreamMaxBackoff,
			HeartbeatInterval: cfg.StreamHeartbeat,
		},
		Users:             orchestrator.StaticUser(cfg.UserID),
		SessionTTL:        cfg.SessionTTL,
		ExistenceTTL:      cfg.ExistenceTTL,
		FreshFor:          cfg.FreshFor,
		VerifyTimeout:     cfg.VerifyTimeout,
		IdempotencyWindow: cfg.IdempotencyWindow,
		SweepInterval:     cfg.SweepInterval,
		Debounce:          cfg.Debounce,
		Logger:            logger,
		Metrics:           m,
		OnConnectivityWarning: func(error) {
			fmt.Fprintln(out, "! the valuation engine is unreachable; edits are kept and saved when possible")
		},
		OnMessage: func(msg collect.Message) {
			if msg.Kind == collect.KindAssistantText || (msg.Kind == collect.KindValuationComplete && msg.Content != "") {
				fmt.Fprintf(out, "engine> %s\n", msg.Content)
			}
		},
		OnFieldUpdates: func(updates []session.FieldUpdate) {
			for _, u := range updates {
				fmt.Fprintf(out, "  %s = %v\n", u.FieldID, u.Value)
			}
		},
		OnRecalculated: func(result session.Result, err error) {
			if err != nil {
				fmt.Fprintf(out, "! recalculation failed: %v\n", err)
				return
			}
			fmt.Fprintf(out, "  equity value %.0f (%.0f to %.0f)\n", result.EquityValue, result.Range.Min, result.Range.Max)
		},
		OnRemoteUpdate: func(s session.Session) {
			fmt.Fprintf(out, "  session %s updated from the engine\n", s.RecordID)
		},
	})
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	return o, nil
}

// readLines feeds stdin lines to a channel. The goroutine ends at EOF; it
// is not tied to the command context because a blocked read cannot be
// interrupted.
func readLines(r io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()
	return lines
}

type sessionRunner interface {
	Edit(fieldID string, value any) error
	Recalculate() bool
	Save(ctx context.Context) error
	SendMessage(content string) error
	Controller() *session.Controller
	StreamState() stream.State
}

func runCommands(ctx context.Context, o sessionRunner, lines <-chan string, out io.Writer) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return errQuit
			}
			if err := handleLine(ctx, o, strings.TrimSpace(line), out); err != nil {
				if errors.Is(err, errQuit) {
					return err
				}
				fmt.Fprintf(out, "! %v\n", err)
			}
		}
	}
}

func handleLine(ctx context.Context, o sessionRunner, line string, out io.Writer) error {
	if line == "" {
		return nil
	}
	if !strings.HasPrefix(line, "/") {
		return o.SendMessage(line)
	}
	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit", "/exit":
		return errQuit
	case "/save":
		if err := o.Save(ctx); err != nil {
			return err
		}
		fmt.Fprintln(out, "  saved")
		return nil
	case "/recalc":
		if !o.Recalculate() {
			fmt.Fprintln(out, "  nothing to recalculate")
		}
		return nil
	case "/status":
		current, ok := o.Controller().Current()
		if !ok {
			return orchestrator.ErrNoSession
		}
		renderStatus(out, current, o.StreamState())
		return nil
	case "/set":
		if len(fields) < 3 {
			return errors.New("usage: /set <field> <value>")
		}
		rest := strings.TrimSpace(strings.TrimPrefix(line, fields[0]))
		value := strings.TrimSpace(strings.TrimPrefix(rest, fields[1]))
		return o.Edit(fields[1], value)
	}
	return fmt.Errorf("unknown command %s", fields[0])
}

func renderStatus(w io.Writer, s session.Session, streamState stream.State) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.SetTitle(fmt.Sprintf("%s (%s)", s.RecordID, s.FlowKind))
	t.AppendHeader(table.Row{"Field", "Value"})
	ids := make([]string, 0, len(s.Fields))
	for id := range s.Fields {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		t.AppendRow(table.Row{id, s.Fields[id]})
	}
	t.AppendSeparator()
	state := "clean"
	if s.Dirty {
		state = "dirty"
	}
	t.AppendRow(table.Row{"state", state})
	t.AppendRow(table.Row{"confirmation", s.Confirmation})
	t.AppendRow(table.Row{"stream", streamState})
	if s.Result != nil {
		t.AppendRow(table.Row{"equity value", fmt.Sprintf("%.0f", s.Result.EquityValue)})
	}
	t.Render()
}

type saver interface {
	Save(ctx context.Context) error
}

func autosave(ctx context.Context, s saver, interval time.Duration, jitter float64, logger logr.Logger) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	timer := time.NewTimer(jitteredIntervalWithSample(interval, jitter, rng.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			saveCtx, cancel := context.WithTimeout(ctx, interval)
			if err := s.Save(saveCtx); err != nil && !errors.Is(err, orchestrator.ErrNoSession) {
				logger.Info("autosave failed", "error", err.Error())
			}
			cancel()
			timer.Reset(jitteredIntervalWithSample(interval, jitter, rng.Float64()))
		}
	}
}

func serveMetrics(ctx context.Context, addr string, registry *prometheus.Registry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server: %w", err)
	}
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
