// Package session holds the valuation session model and the controller that
// owns the in-memory copy of the session being worked on.
package session

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"
)

var (
	ErrNotFound     = errors.New("session not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrNotReady     = errors.New("session controller is not ready")
	ErrWrongRecord  = errors.New("session belongs to a different record")
)

type FlowKind string

const (
	FlowManual         FlowKind = "manual"
	FlowConversational FlowKind = "conversational"
	FlowShared         FlowKind = "shared"
)

func (f FlowKind) Valid() bool {
	switch f {
	case FlowManual, FlowConversational, FlowShared:
		return true
	}
	return false
}

// Confirmation tracks how far an optimistically created session has been
// acknowledged by the authority.
type Confirmation string

const (
	Unconfirmed Confirmation = "unconfirmed"
	Confirmed   Confirmation = "confirmed"
	Reconciled  Confirmation = "reconciled"
)

type ArtifactKind string

const (
	ArtifactReport    ArtifactKind = "report"
	ArtifactBreakdown ArtifactKind = "breakdown"
)

type Artifacts struct {
	ReportHTML    string `json:"reportHtml,omitempty"`
	BreakdownHTML string `json:"breakdownHtml,omitempty"`
}

type Range struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// Result is the structured output of a valuation calculation.
type Result struct {
	ValuationID string  `json:"valuationId,omitempty"`
	EquityValue float64 `json:"equityValue"`
	Range       Range   `json:"range"`
	Confidence  float64 `json:"confidence"`
	Methodology string  `json:"methodology,omitempty"`
}

type Session struct {
	RecordID     string         `json:"recordId"`
	FlowKind     FlowKind       `json:"flowKind"`
	Fields       map[string]any `json:"fields"`
	Artifacts    Artifacts      `json:"artifacts"`
	Result       *Result        `json:"result,omitempty"`
	CreatedAt    time.Time      `json:"createdAt"`
	UpdatedAt    time.Time      `json:"updatedAt"`
	Confirmation Confirmation   `json:"confirmation,omitempty"`
	Dirty        bool           `json:"-"`
}

// Clone copies the session deeply enough that the copy can be mutated
// without affecting the original. Field values are treated as immutable.
func (s Session) Clone() Session {
	out := s
	out.Fields = make(map[string]any, len(s.Fields))
	for k, v := range s.Fields {
		out.Fields[k] = v
	}
	if s.Result != nil {
		result := *s.Result
		out.Result = &result
	}
	return out
}

type fingerprintView struct {
	RecordID  string         `json:"recordId"`
	FlowKind  FlowKind       `json:"flowKind"`
	Fields    map[string]any `json:"fields"`
	Artifacts Artifacts      `json:"artifacts"`
	Result    *Result        `json:"result"`
}

// Fingerprint digests the persisted content of the session. Timestamps and
// local bookkeeping are excluded, so two sessions with the same content
// share a fingerprint.
func (s Session) Fingerprint() (string, error) {
	fields := s.Fields
	if fields == nil {
		fields = map[string]any{}
	}
	raw, err := json.Marshal(fingerprintView{
		RecordID:  s.RecordID,
		FlowKind:  s.FlowKind,
		Fields:    fields,
		Artifacts: s.Artifacts,
		Result:    s.Result,
	})
	if err != nil {
		return "", fmt.Errorf("encode session %s: %w", s.RecordID, err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize session %s: %w", s.RecordID, err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

type Source string

const (
	SourceUser   Source = "user"
	SourceStream Source = "stream"
	SourceRemote Source = "remote"
)

// FieldUpdate is one typed value for one business field.
type FieldUpdate struct {
	FieldID    string
	Value      any
	Source     Source
	Confidence *float64
}
