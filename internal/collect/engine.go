package collect

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-logr/logr"
	"github.com/stoewer/go-strcase"

	"github.com/UpswitchEU/upswitch-valuation-tester-sub006/internal/asset"
	"github.com/UpswitchEU/upswitch-valuation-tester-sub006/internal/catalog"
	"github.com/UpswitchEU/upswitch-valuation-tester-sub006/internal/metrics"
	"github.com/UpswitchEU/upswitch-valuation-tester-sub006/internal/session"
	"github.com/UpswitchEU/upswitch-valuation-tester-sub006/internal/stream"
)

// Sink receives what the engine extracts. session.Controller satisfies it.
type Sink interface {
	ApplyFieldUpdates(updates []session.FieldUpdate) error
	SetArtifact(kind session.ArtifactKind, html string) error
	SetResult(result session.Result) error
}

// Subscriber is the part of stream.Coordinator the engine listens on.
type Subscriber interface {
	On(eventType string, handler func(stream.Event)) func()
}

type Options struct {
	Sink    Sink
	Catalog *catalog.Catalog
	// Assets is optional; when set the transcript, artifacts and result
	// assets follow the conversation.
	Assets *asset.Set
	// OnMessage sees every decoded message, including unrecognized ones.
	OnMessage func(Message)
	// OnFieldUpdates sees the updates of each data_collected message after
	// they were applied.
	OnFieldUpdates func([]session.FieldUpdate)
	Logger         logr.Logger
	Metrics        *metrics.Metrics
}

type Engine struct {
	sink           Sink
	catalog        *catalog.Catalog
	assets         *asset.Set
	onMessage      func(Message)
	onFieldUpdates func([]session.FieldUpdate)
	logger         logr.Logger
	metrics        *metrics.Metrics
}

func NewEngine(opts Options) (*Engine, error) {
	if opts.Sink == nil {
		return nil, errors.New("collect: sink is required")
	}
	cat := opts.Catalog
	if cat == nil {
		cat = catalog.Default()
	}
	return &Engine{
		sink:           opts.Sink,
		catalog:        cat,
		assets:         opts.Assets,
		onMessage:      opts.OnMessage,
		onFieldUpdates: opts.OnFieldUpdates,
		logger:         opts.Logger.WithName("collect"),
		metrics:        opts.Metrics,
	}, nil
}

// Attach subscribes the engine to message events. The returned func
// detaches it.
func (e *Engine) Attach(sub Subscriber) func() {
	return sub.On(stream.EventMessage, e.Handle)
}

// Handle processes one inbound event. Anything other than a message is
// ignored.
func (e *Engine) Handle(ev stream.Event) {
	if ev.Type != stream.EventMessage {
		return
	}
	msg := Parse(ev.Data)
	if e.onMessage != nil {
		e.onMessage(msg)
	}
	if strings.TrimSpace(msg.Content) != "" && msg.Kind != KindUnrecognized {
		e.transcript(msg.Content)
	}

	switch msg.Kind {
	case KindUnrecognized:
		e.logger.V(1).Info("dropping unrecognized message", "reason", msg.Reason)
	case KindDataCollected:
		updates := e.Extract(msg.Fields)
		if len(updates) == 0 {
			return
		}
		if err := e.sink.ApplyFieldUpdates(updates); err != nil {
			e.logger.Error(err, "applying collected fields", "count", len(updates))
			e.metrics.FieldUpdate("rejected", len(updates))
			return
		}
		e.metrics.FieldUpdate("applied", len(updates))
		if e.onFieldUpdates != nil {
			e.onFieldUpdates(updates)
		}
	case KindValuationComplete:
		if err := e.sink.SetResult(*msg.Result); err != nil {
			e.logger.Error(err, "recording valuation result")
		}
		if e.assets != nil {
			if err := e.assets.Result.Deliver(asset.ModeReceive, *msg.Result); err != nil {
				e.logger.Error(err, "delivering result asset")
			}
			if err := e.assets.FinishTranscript(); err != nil {
				e.logger.Error(err, "finishing transcript")
			}
		}
	case KindReportReady:
		e.artifact(session.ArtifactReport, msg.Report.HTML)
		e.artifact(session.ArtifactBreakdown, msg.Report.BreakdownHTML)
	}
}

// Extract resolves and coerces collected fields in order. Unknown or
// invalid fields are logged and dropped.
func (e *Engine) Extract(fields []RawField) []session.FieldUpdate {
	updates := make([]session.FieldUpdate, 0, len(fields))
	dropped := 0
	for _, raw := range fields {
		update, err := e.resolve(raw)
		if err != nil {
			e.logger.Info("dropping collected field", "field", raw.Field, "reason", err.Error())
			dropped++
			continue
		}
		updates = append(updates, update)
	}
	e.metrics.FieldUpdate("dropped", dropped)
	return updates
}

func (e *Engine) resolve(raw RawField) (session.FieldUpdate, error) {
	id := NormalizeFieldID(raw.Field)
	if id == "" {
		return session.FieldUpdate{}, fmt.Errorf("%w: empty field id", ErrUnknownField)
	}
	field, ok := e.catalog.Lookup(id)
	if !ok {
		return session.FieldUpdate{}, fmt.Errorf("%w: %s", ErrUnknownField, id)
	}
	value, err := Coerce(field, raw.Value)
	if err != nil {
		return session.FieldUpdate{}, err
	}
	if raw.Confidence != nil && (*raw.Confidence < 0 || *raw.Confidence > 1) {
		return session.FieldUpdate{}, fmt.Errorf("%w: confidence %v for %s", ErrBadValue, *raw.Confidence, id)
	}
	return session.FieldUpdate{
		FieldID:    field.ID,
		Value:      value,
		Source:     session.SourceStream,
		Confidence: raw.Confidence,
	}, nil
}

// NormalizeFieldID maps the spellings the engine uses ("growthRate",
// "Growth Rate", "growth-rate") onto catalog ids.
func NormalizeFieldID(id string) string {
	return strcase.SnakeCase(strings.TrimSpace(id))
}

func (e *Engine) artifact(kind session.ArtifactKind, html string) {
	if html == "" {
		return
	}
	if err := e.sink.SetArtifact(kind, html); err != nil {
		e.logger.Error(err, "recording artifact", "kind", kind)
	}
	if e.assets == nil {
		return
	}
	st, err := e.assets.Artifact(kind)
	if err != nil {
		e.logger.Error(err, "resolving artifact asset", "kind", kind)
		return
	}
	if err := st.Deliver(asset.ModeReceive, html); err != nil {
		e.logger.Error(err, "delivering artifact asset", "kind", kind)
	}
}

func (e *Engine) transcript(content string) {
	if e.assets == nil {
		return
	}
	if err := e.assets.AppendTranscript(asset.RoleAssistant, content); err != nil {
		e.logger.Error(err, "appending transcript")
	}
}
