package mockengine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"net/http"
	"strconv"
	"strings"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/UpswitchEU/upswitch-valuation-tester-sub006/internal/catalog"
	"github.com/UpswitchEU/upswitch-valuation-tester-sub006/internal/collect"
	"github.com/UpswitchEU/upswitch-valuation-tester-sub006/internal/session"
	"github.com/UpswitchEU/upswitch-valuation-tester-sub006/internal/stream"
)

const completionMessage = "Perfect! I have all the information I need. Your business valuation is complete."

type inboundFrame struct {
	Type      string `json:"type"`
	Content   string `json:"content"`
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
}

type outboundFrame struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

type messageData struct {
	Content  string       `json:"content"`
	Metadata *messageMeta `json:"metadata,omitempty"`
}

type messageMeta struct {
	Kind          collect.Kind    `json:"kind"`
	Fields        []fieldValue    `json:"fields,omitempty"`
	Result        *session.Result `json:"result,omitempty"`
	HTML          string          `json:"html,omitempty"`
	BreakdownHTML string          `json:"breakdownHtml,omitempty"`
}

type fieldValue struct {
	Field      string  `json:"field"`
	Value      any     `json:"value"`
	Confidence float64 `json:"confidence"`
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Token != "" && r.Header.Get("Authorization") != "Bearer "+s.cfg.Token {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid bearer token", getCorrelationID(r))
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		s.logger.Error(err, "accepting stream")
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()
	convo := newConversation(s.catalog)
	if err := wsjson.Write(ctx, conn, outboundFrame{Type: stream.EventReady}); err != nil {
		return
	}
	for {
		var in inboundFrame
		if err := wsjson.Read(ctx, conn, &in); err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && !errors.Is(err, context.Canceled) {
				s.logger.V(1).Info("stream closed", "reason", err.Error())
			}
			return
		}
		for i, frame := range convo.respond(in, s.now()) {
			if i > 0 && s.cfg.StepDelay > 0 {
				select {
				case <-time.After(s.cfg.StepDelay):
				case <-ctx.Done():
					return
				}
			}
			if err := wsjson.Write(ctx, conn, frame); err != nil {
				return
			}
		}
	}
}

// conversation walks the required catalog fields in order, one answer per
// user message.
type conversation struct {
	steps   []catalog.Field
	step    int
	values  map[string]any
	started bool
}

func newConversation(cat *catalog.Catalog) *conversation {
	return &conversation{steps: cat.Required(), values: map[string]any{}}
}

func (c *conversation) done() bool {
	return c.step >= len(c.steps)
}

func (c *conversation) respond(in inboundFrame, now time.Time) []outboundFrame {
	switch in.Type {
	case stream.EventStart:
		c.step = 0
		c.values = map[string]any{}
		c.started = true
		return []outboundFrame{c.prompt()}
	case stream.EventMessage:
	default:
		return nil
	}
	if !c.started {
		c.started = true
		return []outboundFrame{c.prompt()}
	}
	if c.done() {
		return []outboundFrame{text("Your valuation is already complete. Start a new conversation to value another business.")}
	}

	field := c.steps[c.step]
	value, err := collect.Coerce(field, json.RawMessage(strconv.Quote(in.Content)))
	if err != nil {
		return []outboundFrame{text(fmt.Sprintf("Sorry, I couldn't use that. %s", field.Help)), c.prompt()}
	}
	c.values[field.ID] = value
	c.step++

	frames := []outboundFrame{{
		Type: stream.EventMessage,
		Data: messageData{Metadata: &messageMeta{
			Kind:   collect.KindDataCollected,
			Fields: []fieldValue{{Field: field.ID, Value: value, Confidence: 1}},
		}},
	}}
	if !c.done() {
		return append(frames, c.prompt())
	}

	result, err := Calculate(c.values, now)
	if err != nil {
		return append(frames, text("I couldn't calculate a valuation: "+err.Error()))
	}
	return append(frames,
		outboundFrame{Type: stream.EventMessage, Data: messageData{
			Content:  completionMessage,
			Metadata: &messageMeta{Kind: collect.KindValuationComplete, Result: &result},
		}},
		outboundFrame{Type: stream.EventMessage, Data: messageData{
			Metadata: &messageMeta{
				Kind:          collect.KindReportReady,
				HTML:          renderReport(result, c.values),
				BreakdownHTML: renderBreakdown(result),
			},
		}},
	)
}

func (c *conversation) prompt() outboundFrame {
	if c.done() {
		return text(completionMessage)
	}
	return text(c.steps[c.step].Prompt)
}

func text(content string) outboundFrame {
	return outboundFrame{Type: stream.EventMessage, Data: messageData{Content: content}}
}

func renderReport(result session.Result, values map[string]any) string {
	var b strings.Builder
	b.WriteString("<article class=\"valuation-report\">")
	fmt.Fprintf(&b, "<h1>Valuation %s</h1>", html.EscapeString(result.ValuationID))
	fmt.Fprintf(&b, "<p>Equity value: EUR %.0f (range %.0f to %.0f)</p>", result.EquityValue, result.Range.Min, result.Range.Max)
	if industry, ok := values["industry"].(string); ok {
		fmt.Fprintf(&b, "<p>Industry: %s</p>", html.EscapeString(industry))
	}
	if country, ok := values["country"].(string); ok {
		fmt.Fprintf(&b, "<p>Country: %s</p>", html.EscapeString(country))
	}
	b.WriteString("</article>")
	return b.String()
}

func renderBreakdown(result session.Result) string {
	return fmt.Sprintf(
		"<table class=\"valuation-breakdown\"><tr><th>Methodology</th><td>%s</td></tr><tr><th>Confidence</th><td>%.0f%%</td></tr></table>",
		html.EscapeString(result.Methodology), result.Confidence*100,
	)
}
