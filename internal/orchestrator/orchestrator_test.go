package orchestrator

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/UpswitchEU/upswitch-valuation-tester-sub006/internal/asset"
	"github.com/UpswitchEU/upswitch-valuation-tester-sub006/internal/cache"
	"github.com/UpswitchEU/upswitch-valuation-tester-sub006/internal/collect"
	"github.com/UpswitchEU/upswitch-valuation-tester-sub006/internal/mockengine"
	"github.com/UpswitchEU/upswitch-valuation-tester-sub006/internal/remote"
	"github.com/UpswitchEU/upswitch-valuation-tester-sub006/internal/session"
	"github.com/UpswitchEU/upswitch-valuation-tester-sub006/internal/storage"
	"github.com/UpswitchEU/upswitch-valuation-tester-sub006/internal/stream"
)

var base = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// sharedStorage lets two orchestrators use one backend without the first
// closing it for the second.
type sharedStorage struct {
	storage.Storage
}

func (sharedStorage) Close() error { return nil }

type harness struct {
	engine *mockengine.Server
	server *httptest.Server
	clock  *fakeClock
	store  *storage.Memory
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := &fakeClock{now: base}
	engine := mockengine.NewServer(mockengine.ServerConfig{Now: clock.Now, Logger: logr.Discard()})
	server := httptest.NewServer(engine)
	t.Cleanup(server.Close)
	return &harness{engine: engine, server: server, clock: clock, store: storage.NewMemory()}
}

func (h *harness) open(t *testing.T, mutate func(*Options)) *Orchestrator {
	t.Helper()
	opts := Options{
		Storage: sharedStorage{h.store},
		Remote: remote.NewHTTPClient(remote.Options{
			BaseURL:   h.server.URL,
			BaseDelay: time.Millisecond,
			MaxDelay:  5 * time.Millisecond,
			Logger:    testr.New(t),
		}),
		StreamURL: "ws" + strings.TrimPrefix(h.server.URL, "http") + "/stream",
		Stream: stream.Options{
			InitialBackoff:    10 * time.Millisecond,
			HeartbeatInterval: time.Second,
		},
		Users: StaticUser("user_1"),
		// Recalculation runs only when a test flushes it.
		Debounce: time.Hour,
		Now:      h.clock.Now,
		Logger:   testr.New(t),
	}
	if mutate != nil {
		mutate(&opts)
	}
	o, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = o.Close() })
	return o
}

func TestNewSessionEditRecalculateSave(t *testing.T) {
	h := newHarness(t)
	var recalculated []session.Result
	o := h.open(t, func(opts *Options) {
		opts.OnRecalculated = func(r session.Result, err error) {
			if err == nil {
				recalculated = append(recalculated, r)
			}
		}
	})
	ctx := context.Background()

	created, err := o.Open(ctx, "val_001", session.FlowManual)
	require.NoError(t, err)
	assert.Equal(t, session.Unconfirmed, created.Confirmation)
	assert.Equal(t, cache.StatusNotExists, o.Existence().Check("val_001"))
	require.NotNil(t, o.Assets())
	assert.Nil(t, o.Assets().Transcript)

	assert.ErrorIs(t, o.Edit("favourite_colour", "blue"), collect.ErrUnknownField)
	assert.ErrorIs(t, o.Edit("revenue", "12"), collect.ErrOutOfRange)
	require.NoError(t, o.Edit("revenue", "€1,000,000"))
	require.NoError(t, o.Edit("growthRate", 12))
	assert.True(t, o.Controller().Dirty())

	require.True(t, o.Recalculate(), "edits schedule one recalculation")
	require.Len(t, recalculated, 1)
	assert.Equal(t, 2500000.0, recalculated[0].EquityValue)
	snap := o.Assets().Result.Snapshot()
	assert.Equal(t, asset.StatusLoaded, snap.Status)
	assert.Equal(t, 2500000.0, snap.Data.EquityValue)

	require.NoError(t, o.Save(ctx))
	assert.False(t, o.Controller().Dirty())
	assert.Equal(t, 1, h.engine.Saves())
	stored, ok := h.engine.Session("val_001")
	require.True(t, ok)
	assert.Equal(t, 1000000.0, stored.Fields["revenue"])
	assert.Equal(t, 12.0, stored.Fields["growth_rate"])
	require.NotNil(t, stored.Result)

	cached, ok := o.Sessions().Get("val_001")
	require.True(t, ok)
	assert.Equal(t, session.Confirmed, cached.Confirmation)
	assert.Equal(t, cache.StatusExists, o.Existence().Check("val_001"))

	require.NoError(t, o.Save(ctx), "clean sessions are not saved again")
	assert.Equal(t, 1, h.engine.Saves())
}

func TestReopenFromCacheAndReconcile(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first := h.open(t, nil)
	_, err := first.Open(ctx, "val_002", session.FlowManual)
	require.NoError(t, err)
	require.NoError(t, first.Edit("revenue", 2000000))
	require.NoError(t, first.Save(ctx))
	require.NoError(t, first.Close())

	h.clock.Advance(10 * time.Minute)
	newer, ok := h.engine.Session("val_002")
	require.True(t, ok)
	newer.Fields["revenue"] = 3000000.0
	newer.Fields["country"] = "Belgium"
	newer.UpdatedAt = base.Add(5 * time.Minute)
	h.engine.Put(newer)

	var updates []session.Session
	var mu sync.Mutex
	second := h.open(t, func(opts *Options) {
		opts.OnRemoteUpdate = func(s session.Session) {
			mu.Lock()
			updates = append(updates, s)
			mu.Unlock()
		}
	})
	opened, err := second.Open(ctx, "val_002", "")
	require.NoError(t, err)
	assert.Equal(t, 2000000.0, opened.Fields["revenue"], "served from the local cache first")
	assert.Equal(t, session.FlowManual, opened.FlowKind)

	second.Verifier().Wait()
	current, ok := second.Controller().Current()
	require.True(t, ok)
	assert.Equal(t, 3000000.0, current.Fields["revenue"])
	assert.Equal(t, "Belgium", current.Fields["country"])
	assert.Equal(t, session.Reconciled, current.Confirmation)
	assert.False(t, current.Dirty)

	mu.Lock()
	assert.Len(t, updates, 1)
	mu.Unlock()
	cached, ok := second.Sessions().Get("val_002")
	require.True(t, ok)
	assert.True(t, cached.UpdatedAt.Equal(base.Add(5*time.Minute)))
}

func TestOpenSavesDirtySessionBeforeSwitching(t *testing.T) {
	h := newHarness(t)
	o := h.open(t, nil)
	ctx := context.Background()

	_, err := o.Open(ctx, "val_A", session.FlowManual)
	require.NoError(t, err)
	require.NoError(t, o.Edit("revenue", 800000))
	require.True(t, o.Controller().Dirty())

	// A rejected save keeps val_A open and dirty so the caller can retry.
	h.engine.FailNextSaves(1, http.StatusUnprocessableEntity, 0)
	_, err = o.Open(ctx, "val_B", session.FlowManual)
	require.ErrorIs(t, err, session.ErrInvalidInput)
	assert.True(t, o.Controller().Holds("val_A"))
	assert.True(t, o.Controller().Dirty())
	assert.Zero(t, h.engine.Saves())

	opened, err := o.Open(ctx, "val_B", session.FlowManual)
	require.NoError(t, err)
	assert.Equal(t, "val_B", opened.RecordID)
	assert.Equal(t, 1, h.engine.Saves())
	stored, ok := h.engine.Session("val_A")
	require.True(t, ok)
	assert.Equal(t, 800000.0, stored.Fields["revenue"])

	reopened, err := o.Open(ctx, "val_A", "")
	require.NoError(t, err)
	assert.Equal(t, 800000.0, reopened.Fields["revenue"])
}

func TestOpenSwitchesCleanSessionWithoutSaving(t *testing.T) {
	h := newHarness(t)
	o := h.open(t, nil)
	ctx := context.Background()

	_, err := o.Open(ctx, "val_A", session.FlowManual)
	require.NoError(t, err)
	_, err = o.Open(ctx, "val_B", session.FlowManual)
	require.NoError(t, err)
	assert.Zero(t, h.engine.Saves())
}

func TestOpenFetchesWhenCacheIsCold(t *testing.T) {
	h := newHarness(t)
	h.engine.Put(session.Session{
		RecordID:  "val_003",
		FlowKind:  session.FlowShared,
		Fields:    map[string]any{"revenue": 500000.0},
		Artifacts: session.Artifacts{ReportHTML: "<p>shared</p>"},
		CreatedAt: base.Add(-time.Hour),
		UpdatedAt: base.Add(-time.Hour),
	})
	o := h.open(t, nil)
	ctx := context.Background()
	require.NoError(t, o.Existence().MarkExists("val_003"))

	opened, err := o.Open(ctx, "val_003", "")
	require.NoError(t, err)
	assert.Equal(t, session.FlowShared, opened.FlowKind)
	assert.Equal(t, asset.ModeReceive, o.Assets().Mode())
	assert.Equal(t, "<p>shared</p>", o.Assets().Report.Snapshot().Data)
	_, ok := o.Sessions().Get("val_003")
	assert.True(t, ok)

	require.NoError(t, o.Existence().MarkExists("val_missing"))
	missing, err := o.Open(ctx, "val_missing", session.FlowConversational)
	require.NoError(t, err)
	assert.Equal(t, session.Unconfirmed, missing.Confirmation)
	assert.Equal(t, cache.StatusNotExists, o.Existence().Check("val_missing"))
}

func TestConversationalFlowOverStream(t *testing.T) {
	h := newHarness(t)
	var mu sync.Mutex
	var prompts int
	o := h.open(t, func(opts *Options) {
		opts.OnMessage = func(m collect.Message) {
			if m.Kind == collect.KindAssistantText {
				mu.Lock()
				prompts++
				mu.Unlock()
			}
		}
	})
	ctx := context.Background()

	_, err := o.Open(ctx, "val_conv", session.FlowConversational)
	require.NoError(t, err)
	assert.ErrorIs(t, o.SendMessage("hello"), ErrNotStreamed)
	require.NoError(t, o.Connect(ctx))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return prompts >= 1
	}, 5*time.Second, 10*time.Millisecond, "engine should greet after start")

	for _, answer := range []string{"€2,000,000", "400000", "25", "Software", "15%", "Belgium"} {
		require.NoError(t, o.SendMessage(answer))
	}
	require.Eventually(t, func() bool {
		current, ok := o.Controller().Current()
		return ok && current.Result != nil && current.Artifacts.ReportHTML != ""
	}, 5*time.Second, 10*time.Millisecond)

	current, _ := o.Controller().Current()
	assert.Len(t, current.Fields, 6)
	assert.Equal(t, 25.0, current.Fields["employees"])
	assert.Equal(t, 5000000.0, current.Result.EquityValue)
	assert.Equal(t, stream.StateConnected, o.StreamState())

	transcript := o.Assets().Transcript.Snapshot()
	assert.Equal(t, asset.StatusLoaded, transcript.Status)
	assert.GreaterOrEqual(t, len(transcript.Data), 13)

	require.NoError(t, o.Exit(ctx))
	stored, ok := h.engine.Session("val_conv")
	require.True(t, ok)
	assert.Equal(t, "Belgium", stored.Fields["country"])
	_, held := o.Controller().Current()
	assert.False(t, held)
	assert.Equal(t, stream.StateDisconnected, o.StreamState())
	assert.Nil(t, o.Assets())
}

func TestConnectivityWarningWhenEngineIsDown(t *testing.T) {
	h := newHarness(t)
	warned := make(chan error, 1)
	o := h.open(t, func(opts *Options) {
		opts.StreamURL = "ws://127.0.0.1:1/stream"
		opts.Stream.MaxRetries = 1
		opts.OnConnectivityWarning = func(err error) { warned <- err }
	})
	ctx := context.Background()
	_, err := o.Open(ctx, "val_offline", session.FlowManual)
	require.NoError(t, err)
	require.NoError(t, o.Connect(ctx))

	select {
	case err := <-warned:
		assert.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("expected a connectivity warning")
	}
	assert.Equal(t, stream.StateFailed, o.StreamState())
	assert.ErrorIs(t, o.SendMessage("anyone there?"), stream.ErrUnavailable)

	require.NoError(t, o.Edit("revenue", 100000))
	require.NoError(t, o.Save(ctx), "saving does not depend on the stream")
}

func TestClosedOrchestratorRejectsWork(t *testing.T) {
	h := newHarness(t)
	o := h.open(t, nil)
	require.NoError(t, o.Close())
	require.NoError(t, o.Close())
	_, err := o.Open(context.Background(), "val_004", session.FlowManual)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, o.Connect(context.Background()), ErrClosed)
}
