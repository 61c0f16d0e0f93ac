// Package collect turns conversation messages from the valuation engine into
// typed field updates for the session being collected.
package collect

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/UpswitchEU/upswitch-valuation-tester-sub006/internal/session"
)

// Kind tags the variant a message decoded into.
type Kind string

const (
	KindAssistantText     Kind = "assistant_text"
	KindDataCollected     Kind = "data_collected"
	KindValuationComplete Kind = "valuation_complete"
	KindReportReady       Kind = "report_ready"
	KindUnrecognized      Kind = "unrecognized"
)

// RawField is a collected value as the engine reported it, before type
// coercion.
type RawField struct {
	Field      string          `json:"field"`
	Value      json.RawMessage `json:"value"`
	Confidence *float64        `json:"confidence,omitempty"`
}

type Report struct {
	HTML          string `json:"html"`
	BreakdownHTML string `json:"breakdownHtml,omitempty"`
}

// Message is the decoded form of one "message" event. Exactly the payload
// matching Kind is populated.
type Message struct {
	Kind    Kind
	Content string
	Fields  []RawField
	Result  *session.Result
	Report  *Report
	// Reason explains why a message was unrecognized.
	Reason string
}

type envelope struct {
	Content  string          `json:"content"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

type metadata struct {
	Kind          Kind            `json:"kind"`
	Fields        []RawField      `json:"fields"`
	Result        *session.Result `json:"result"`
	HTML          string          `json:"html"`
	BreakdownHTML string          `json:"breakdownHtml"`
}

// Parse decodes the data of a "message" event. It never fails: anything it
// cannot classify comes back as KindUnrecognized.
func Parse(data json.RawMessage) Message {
	var env envelope
	if len(bytes.TrimSpace(data)) == 0 {
		return Message{Kind: KindUnrecognized, Reason: "empty payload"}
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return Message{Kind: KindUnrecognized, Reason: "malformed envelope: " + err.Error()}
	}
	text := strings.TrimSpace(env.Content)
	if len(bytes.TrimSpace(env.Metadata)) == 0 || bytes.Equal(bytes.TrimSpace(env.Metadata), []byte("null")) {
		if text == "" {
			return Message{Kind: KindUnrecognized, Reason: "no content"}
		}
		return Message{Kind: KindAssistantText, Content: env.Content}
	}

	var meta metadata
	if err := json.Unmarshal(env.Metadata, &meta); err != nil {
		return Message{Kind: KindUnrecognized, Content: env.Content, Reason: "malformed metadata: " + err.Error()}
	}
	switch meta.Kind {
	case "":
		if text == "" {
			return Message{Kind: KindUnrecognized, Reason: "no content"}
		}
		return Message{Kind: KindAssistantText, Content: env.Content}
	case KindAssistantText:
		return Message{Kind: KindAssistantText, Content: env.Content}
	case KindDataCollected:
		if len(meta.Fields) == 0 {
			return Message{Kind: KindUnrecognized, Content: env.Content, Reason: "data_collected without fields"}
		}
		return Message{Kind: KindDataCollected, Content: env.Content, Fields: meta.Fields}
	case KindValuationComplete:
		if meta.Result == nil {
			return Message{Kind: KindUnrecognized, Content: env.Content, Reason: "valuation_complete without result"}
		}
		return Message{Kind: KindValuationComplete, Content: env.Content, Result: meta.Result}
	case KindReportReady:
		if meta.HTML == "" && meta.BreakdownHTML == "" {
			return Message{Kind: KindUnrecognized, Content: env.Content, Reason: "report_ready without html"}
		}
		return Message{Kind: KindReportReady, Content: env.Content, Report: &Report{HTML: meta.HTML, BreakdownHTML: meta.BreakdownHTML}}
	}
	return Message{Kind: KindUnrecognized, Content: env.Content, Reason: "unknown kind " + string(meta.Kind)}
}
