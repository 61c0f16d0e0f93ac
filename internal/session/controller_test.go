package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"

	"github.com/UpswitchEU/upswitch-valuation-tester-sub006/internal/cache"
	"github.com/UpswitchEU/upswitch-valuation-tester-sub006/internal/idempotency"
	"github.com/UpswitchEU/upswitch-valuation-tester-sub006/internal/storage"
)

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

type saveCall struct {
	session Session
	key     string
}

type fakeWriter struct {
	mu     sync.Mutex
	calls  []saveCall
	errs   []error
	during func()
}

func (w *fakeWriter) SaveSession(ctx context.Context, s Session, key string) (Session, error) {
	w.mu.Lock()
	w.calls = append(w.calls, saveCall{session: s, key: key})
	var err error
	if len(w.errs) > 0 {
		err = w.errs[0]
		w.errs = w.errs[1:]
	}
	during := w.during
	w.mu.Unlock()
	if during != nil {
		during()
	}
	if err != nil {
		return Session{}, err
	}
	return s, nil
}

func (w *fakeWriter) keys() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.calls))
	for _, call := range w.calls {
		out = append(out, call.key)
	}
	return out
}

type permanentError struct{ status int }

func (e permanentError) Error() string { return fmt.Sprintf("http %d", e.status) }

type harness struct {
	clock      *fakeClock
	writer     *fakeWriter
	keys       *idempotency.Registry
	sessions   *cache.Store[Session]
	existence  *cache.Existence
	controller *Controller
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := &fakeClock{now: time.UnixMilli(1767225600000).UTC()}
	backend := storage.NewMemory()
	sessions, err := cache.NewStore[Session](backend, cache.Options{Prefix: cache.SessionPrefix, TTL: time.Hour, Now: clock.Now})
	if err != nil {
		t.Fatalf("session cache: %v", err)
	}
	existence, err := cache.NewExistence(backend, cache.Options{Now: clock.Now})
	if err != nil {
		t.Fatalf("existence cache: %v", err)
	}
	h := &harness{
		clock:     clock,
		writer:    &fakeWriter{},
		keys:      idempotency.NewRegistry(idempotency.Options{Now: clock.Now}),
		sessions:  sessions,
		existence: existence,
	}
	h.controller, err = NewController(ControllerOptions{
		Writer:    h.writer,
		Keys:      h.keys,
		Cache:     sessions,
		Existence: existence,
		Now:       clock.Now,
		Logger:    testr.New(t),
	})
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	return h
}

func (h *harness) adopt(t *testing.T, s Session) {
	t.Helper()
	if err := h.controller.BeginLoad(s.RecordID); err != nil {
		t.Fatalf("begin load: %v", err)
	}
	if err := h.controller.Adopt(s); err != nil {
		t.Fatalf("adopt: %v", err)
	}
}

func TestLifecycleStates(t *testing.T) {
	h := newHarness(t)
	c := h.controller
	if c.State() != StateUninitialized {
		t.Fatalf("expected uninitialized, got %s", c.State())
	}
	if err := c.SetField("revenue", 1.0); !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected ErrNotReady before load, got %v", err)
	}
	if err := c.BeginLoad("val_001"); err != nil {
		t.Fatalf("begin load: %v", err)
	}
	if c.State() != StateLoading || !c.Holds("val_001") || c.Holds("val_002") {
		t.Fatalf("unexpected loading state %s", c.State())
	}
	if err := c.Adopt(Session{RecordID: "val_002", FlowKind: FlowManual}); !errors.Is(err, ErrWrongRecord) {
		t.Fatalf("expected ErrWrongRecord adopting another record, got %v", err)
	}
	now := h.clock.Now()
	if err := c.Adopt(Session{RecordID: "val_001", FlowKind: FlowManual, Fields: map[string]any{}, CreatedAt: now, UpdatedAt: now}); err != nil {
		t.Fatalf("adopt: %v", err)
	}
	current, ok := c.Current()
	if !ok || current.Dirty || current.Confirmation != Confirmed {
		t.Fatalf("expected clean confirmed session after load, got %+v", current)
	}
	c.Clear()
	if c.State() != StateUninitialized || c.Holds("val_001") {
		t.Fatalf("expected clear to drop the session")
	}
}

func TestFailLoadResets(t *testing.T) {
	h := newHarness(t)
	_ = h.controller.BeginLoad("val_001")
	h.controller.FailLoad("val_002")
	if h.controller.State() != StateLoading {
		t.Fatalf("failing another record must not abort the load")
	}
	h.controller.FailLoad("val_001")
	if h.controller.State() != StateUninitialized {
		t.Fatalf("expected uninitialized after failed load")
	}
}

func TestMutationsMarkDirtyAndAdvanceUpdatedAt(t *testing.T) {
	h := newHarness(t)
	created, err := h.controller.CreateOptimistic("val_001", FlowConversational)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.Confirmation != Unconfirmed || created.Dirty {
		t.Fatalf("unexpected optimistic session %+v", created)
	}

	h.clock.Advance(time.Second)
	if err := h.controller.ApplyFieldUpdates([]FieldUpdate{
		{FieldID: "revenue", Value: 1200000.0, Source: SourceStream},
		{FieldID: "revenue", Value: 1300000.0, Source: SourceStream},
		{FieldID: "industry", Value: "Technology", Source: SourceStream},
	}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	current, _ := h.controller.Current()
	if !current.Dirty || current.Fields["revenue"] != 1300000.0 || current.Fields["industry"] != "Technology" {
		t.Fatalf("expected updates applied in order, got %+v", current.Fields)
	}
	if !current.UpdatedAt.Equal(h.clock.Now()) {
		t.Fatalf("expected updatedAt to advance to now, got %v", current.UpdatedAt)
	}

	h.clock.Advance(-time.Hour)
	_ = h.controller.SetArtifact(ArtifactReport, "<p>report</p>")
	after, _ := h.controller.Current()
	if after.UpdatedAt.Before(current.UpdatedAt) {
		t.Fatalf("updatedAt moved backwards: %v -> %v", current.UpdatedAt, after.UpdatedAt)
	}
	if err := h.controller.SetArtifact("chart", "x"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected unknown artifact to fail, got %v", err)
	}
	if err := h.controller.ApplyFieldUpdates([]FieldUpdate{{FieldID: " "}}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected empty field id to fail, got %v", err)
	}
}

func TestNoOpUpdateKeepsSessionClean(t *testing.T) {
	h := newHarness(t)
	now := h.clock.Now()
	h.adopt(t, Session{RecordID: "val_001", FlowKind: FlowManual, Fields: map[string]any{"industry": "Retail"}, CreatedAt: now, UpdatedAt: now})
	if err := h.controller.SetField("industry", "Retail"); err != nil {
		t.Fatalf("set field: %v", err)
	}
	if h.controller.Dirty() {
		t.Fatalf("expected unchanged value to keep the session clean")
	}
	if err := h.controller.SetResult(Result{EquityValue: 5}); err != nil {
		t.Fatalf("set result: %v", err)
	}
	if h.controller.Dirty() {
		t.Fatalf("expected result to leave the session clean")
	}
}

func TestSaveRetriesWithSameKeyAfterTimeout(t *testing.T) {
	h := newHarness(t)
	ts1 := h.clock.Now()
	h.adopt(t, Session{RecordID: "val_001", FlowKind: FlowManual, Fields: map[string]any{}, CreatedAt: ts1, UpdatedAt: ts1})
	if err := h.controller.SetField("revenue", 1200000.0); err != nil {
		t.Fatalf("set field: %v", err)
	}

	h.writer.errs = []error{context.DeadlineExceeded}
	if err := h.controller.Save(context.Background()); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected timeout to surface, got %v", err)
	}
	wantKey := fmt.Sprintf("val_001-save-%d", ts1.UnixMilli())
	if key, ok := h.keys.Peek("val_001", OperationSave); !ok || key != wantKey {
		t.Fatalf("expected key %s to be retained after timeout, got %q ok=%v", wantKey, key, ok)
	}
	if !h.controller.Dirty() {
		t.Fatalf("expected session to stay dirty after a failed save")
	}

	h.clock.Advance(3 * time.Second)
	if err := h.controller.Save(context.Background()); err != nil {
		t.Fatalf("retry save: %v", err)
	}
	keys := h.writer.keys()
	if len(keys) != 2 || keys[0] != wantKey || keys[1] != wantKey {
		t.Fatalf("expected both attempts to carry %s, got %v", wantKey, keys)
	}
	if _, ok := h.keys.Peek("val_001", OperationSave); ok {
		t.Fatalf("expected key to be cleared after success")
	}
	if h.controller.Dirty() {
		t.Fatalf("expected session to be clean after a successful save")
	}
	if cached, ok := h.sessions.Get("val_001"); !ok || cached.Fields["revenue"] != 1200000.0 {
		t.Fatalf("expected save to refresh the cache, got %+v ok=%v", cached, ok)
	}
	if h.existence.Check("val_001") != cache.StatusExists {
		t.Fatalf("expected save to mark the record as existing")
	}
}

func TestSavePermanentFailureClearsKey(t *testing.T) {
	h := newHarness(t)
	_, _ = h.controller.CreateOptimistic("val_003", FlowManual)
	_ = h.controller.SetField("revenue", 5.0)

	h.writer.errs = []error{permanentError{status: 422}}
	if err := h.controller.Save(context.Background()); err == nil {
		t.Fatalf("expected permanent failure to surface")
	}
	if _, ok := h.keys.Peek("val_003", OperationSave); ok {
		t.Fatalf("expected key to be cleared after a permanent failure")
	}
	if !h.controller.Dirty() {
		t.Fatalf("expected session to stay dirty")
	}
}

func TestSaveConfirmsOptimisticSession(t *testing.T) {
	h := newHarness(t)
	_, _ = h.controller.CreateOptimistic("val_004", FlowConversational)
	if err := h.controller.Save(context.Background()); err != nil {
		t.Fatalf("save: %v", err)
	}
	current, _ := h.controller.Current()
	if current.Confirmation != Confirmed {
		t.Fatalf("expected confirmed after first save, got %s", current.Confirmation)
	}
	if err := h.controller.Save(context.Background()); err != nil {
		t.Fatalf("second save: %v", err)
	}
	if n := len(h.writer.keys()); n != 1 {
		t.Fatalf("expected clean confirmed session not to be re-sent, got %d calls", n)
	}
}

func TestSaveSkipsUnchangedContent(t *testing.T) {
	h := newHarness(t)
	now := h.clock.Now()
	h.adopt(t, Session{RecordID: "val_001", FlowKind: FlowManual, Fields: map[string]any{"industry": "Retail"}, CreatedAt: now, UpdatedAt: now})
	_ = h.controller.SetField("industry", "Services")
	_ = h.controller.SetField("industry", "Retail")
	if !h.controller.Dirty() {
		t.Fatalf("expected dirty after edits")
	}
	if err := h.controller.Save(context.Background()); err != nil {
		t.Fatalf("save: %v", err)
	}
	if n := len(h.writer.keys()); n != 0 {
		t.Fatalf("expected no request for content equal to the persisted version, got %d", n)
	}
	if h.controller.Dirty() {
		t.Fatalf("expected skipped save to leave the session clean")
	}
}

func TestEditDuringSaveKeepsDirty(t *testing.T) {
	h := newHarness(t)
	now := h.clock.Now()
	h.adopt(t, Session{RecordID: "val_001", FlowKind: FlowManual, Fields: map[string]any{}, CreatedAt: now, UpdatedAt: now})
	_ = h.controller.SetField("revenue", 1.0)
	h.writer.during = func() {
		_ = h.controller.SetField("ebitda", 2.0)
	}
	if err := h.controller.Save(context.Background()); err != nil {
		t.Fatalf("save: %v", err)
	}
	if !h.controller.Dirty() {
		t.Fatalf("expected an edit made during the save to keep the session dirty")
	}
	h.writer.during = nil
	if err := h.controller.Save(context.Background()); err != nil {
		t.Fatalf("second save: %v", err)
	}
	if h.controller.Dirty() {
		t.Fatalf("expected clean after the follow-up save")
	}
}

func TestApplyRemoteMergePolicy(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	t.Run("older remote is ignored", func(t *testing.T) {
		h := newHarness(t)
		h.adopt(t, Session{RecordID: "val_002", FlowKind: FlowManual, Fields: map[string]any{"revenue": 10.0}, CreatedAt: base, UpdatedAt: base.Add(10 * time.Minute)})
		changed, err := h.controller.ApplyRemote(Session{RecordID: "val_002", FlowKind: FlowManual, Fields: map[string]any{"revenue": 99.0}, UpdatedAt: base.Add(5 * time.Minute)})
		if err != nil || changed {
			t.Fatalf("expected older remote to be ignored, changed=%v err=%v", changed, err)
		}
		current, _ := h.controller.Current()
		if current.Fields["revenue"] != 10.0 {
			t.Fatalf("older remote overwrote local data: %+v", current.Fields)
		}
	})

	t.Run("equal timestamps fill gaps only", func(t *testing.T) {
		h := newHarness(t)
		h.adopt(t, Session{RecordID: "val_002", FlowKind: FlowManual, Fields: map[string]any{"revenue": 10.0}, CreatedAt: base, UpdatedAt: base})
		changed, err := h.controller.ApplyRemote(Session{
			RecordID: "val_002", FlowKind: FlowManual, UpdatedAt: base,
			Fields:    map[string]any{"revenue": 99.0, "country": "Belgium"},
			Artifacts: Artifacts{ReportHTML: "<p>r</p>"},
		})
		if err != nil || !changed {
			t.Fatalf("expected gaps to be filled, changed=%v err=%v", changed, err)
		}
		current, _ := h.controller.Current()
		if current.Fields["revenue"] != 10.0 || current.Fields["country"] != "Belgium" || current.Artifacts.ReportHTML != "<p>r</p>" {
			t.Fatalf("unexpected merge result %+v", current)
		}
		if current.Confirmation != Reconciled || current.Dirty {
			t.Fatalf("expected reconciled clean session, got %+v", current)
		}
	})

	t.Run("newer remote wins except unsaved edits", func(t *testing.T) {
		h := newHarness(t)
		h.adopt(t, Session{RecordID: "val_002", FlowKind: FlowManual, Fields: map[string]any{"revenue": 10.0, "industry": "Retail"}, CreatedAt: base, UpdatedAt: base})
		_ = h.controller.SetField("industry", "Services")
		remoteAt := base.Add(time.Hour)
		changed, err := h.controller.ApplyRemote(Session{
			RecordID: "val_002", FlowKind: FlowManual, UpdatedAt: remoteAt,
			Fields: map[string]any{"revenue": 20.0, "industry": "Manufacturing", "employees": 12.0},
			Result: &Result{EquityValue: 50},
		})
		if err != nil || !changed {
			t.Fatalf("expected newer remote to apply, changed=%v err=%v", changed, err)
		}
		current, _ := h.controller.Current()
		if current.Fields["revenue"] != 20.0 || current.Fields["employees"] != 12.0 {
			t.Fatalf("expected remote values, got %+v", current.Fields)
		}
		if current.Fields["industry"] != "Services" {
			t.Fatalf("expected unsaved local edit to survive, got %v", current.Fields["industry"])
		}
		if !current.Dirty || current.UpdatedAt.Before(remoteAt) {
			t.Fatalf("expected dirty session at or after the remote timestamp, got %+v", current)
		}
		if current.Result == nil || current.Result.EquityValue != 50 {
			t.Fatalf("expected remote result, got %+v", current.Result)
		}
	})

	t.Run("wrong record", func(t *testing.T) {
		h := newHarness(t)
		h.adopt(t, Session{RecordID: "val_002", FlowKind: FlowManual, Fields: map[string]any{}, CreatedAt: base, UpdatedAt: base})
		if _, err := h.controller.ApplyRemote(Session{RecordID: "val_009"}); !errors.Is(err, ErrWrongRecord) {
			t.Fatalf("expected ErrWrongRecord, got %v", err)
		}
	})
}

func TestDefaultIsTransient(t *testing.T) {
	if !DefaultIsTransient(fmt.Errorf("wrapped: %w", context.DeadlineExceeded)) {
		t.Fatalf("expected deadline to be transient")
	}
	if DefaultIsTransient(errors.New("422")) || DefaultIsTransient(nil) {
		t.Fatalf("expected plain errors to be permanent")
	}
}
