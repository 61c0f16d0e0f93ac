package asset

import (
	"fmt"
	"sync"
	"time"

	"github.com/UpswitchEU/upswitch-valuation-tester-sub006/internal/session"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type TranscriptLine struct {
	Role    Role      `json:"role"`
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}

// Set groups the assets one flow produces. Transcript is nil for flows
// without a conversation.
type Set struct {
	Flow       session.FlowKind
	Transcript *State[[]TranscriptLine]
	Report     *State[string]
	Breakdown  *State[string]
	Result     *State[session.Result]

	now          func() time.Time
	transcriptMu sync.Mutex
}

func NewSet(flow session.FlowKind, now func() time.Time) (*Set, error) {
	if !flow.Valid() {
		return nil, fmt.Errorf("asset: unknown flow %q", flow)
	}
	if now == nil {
		now = time.Now
	}
	set := &Set{
		Flow:      flow,
		Report:    New[string]("report", now),
		Breakdown: New[string]("breakdown", now),
		Result:    New[session.Result]("result", now),
		now:       now,
	}
	if flow == session.FlowConversational {
		set.Transcript = New[[]TranscriptLine]("transcript", now)
	}
	return set, nil
}

// Mode is the transfer direction for artifacts in this flow. Shared
// sessions only ever receive.
func (s *Set) Mode() Mode {
	if s.Flow == session.FlowShared {
		return ModeReceive
	}
	return ModeSend
}

// AppendTranscript adds a line to the running conversation. The transcript
// stays loading for as long as the conversation runs.
func (s *Set) AppendTranscript(role Role, content string) error {
	if s.Transcript == nil {
		return nil
	}
	s.transcriptMu.Lock()
	defer s.transcriptMu.Unlock()

	snap := s.Transcript.Snapshot()
	if snap.Status != StatusLoading {
		mode := ModeReceive
		if role == RoleUser {
			mode = ModeSend
		}
		if err := s.Transcript.Begin(mode); err != nil {
			return err
		}
		snap = s.Transcript.Snapshot()
	}
	lines := make([]TranscriptLine, len(snap.Data), len(snap.Data)+1)
	copy(lines, snap.Data)
	lines = append(lines, TranscriptLine{Role: role, Content: content, At: s.now()})
	return s.Transcript.Update(lines)
}

// FinishTranscript marks the conversation as complete.
func (s *Set) FinishTranscript() error {
	if s.Transcript == nil {
		return nil
	}
	s.transcriptMu.Lock()
	defer s.transcriptMu.Unlock()
	snap := s.Transcript.Snapshot()
	if snap.Status != StatusLoading {
		return nil
	}
	return s.Transcript.Complete(snap.Data)
}

// Artifact returns the state holding the given artifact kind.
func (s *Set) Artifact(kind session.ArtifactKind) (*State[string], error) {
	switch kind {
	case session.ArtifactReport:
		return s.Report, nil
	case session.ArtifactBreakdown:
		return s.Breakdown, nil
	}
	return nil, fmt.Errorf("asset: unknown artifact %q", kind)
}

// Seed loads the assets from a persisted session so a reopened record
// shows what it already has.
func (s *Set) Seed(sess session.Session) error {
	if sess.Artifacts.ReportHTML != "" {
		if err := s.Report.Deliver(ModeReceive, sess.Artifacts.ReportHTML); err != nil {
			return err
		}
	}
	if sess.Artifacts.BreakdownHTML != "" {
		if err := s.Breakdown.Deliver(ModeReceive, sess.Artifacts.BreakdownHTML); err != nil {
			return err
		}
	}
	if sess.Result != nil {
		if err := s.Result.Deliver(ModeReceive, *sess.Result); err != nil {
			return err
		}
	}
	return nil
}

func (s *Set) Statuses() map[string]Status {
	out := map[string]Status{
		s.Report.Name():    s.Report.Snapshot().Status,
		s.Breakdown.Name(): s.Breakdown.Snapshot().Status,
		s.Result.Name():    s.Result.Snapshot().Status,
	}
	if s.Transcript != nil {
		out[s.Transcript.Name()] = s.Transcript.Snapshot().Status
	}
	return out
}

func (s *Set) Reset() {
	if s.Transcript != nil {
		s.Transcript.Reset()
	}
	s.Report.Reset()
	s.Breakdown.Reset()
	s.Result.Reset()
}
