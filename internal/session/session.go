// Package session implements the Session Manager (C6): the single
// consistent view of all live calls, and the sole mutator of the session
// table (spec.md §3, §4.6).
package session

import (
	"sync"
	"time"
)

// Direction distinguishes inbound from outbound sessions.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// LegState is a single leg's lifecycle state.
type LegState string

const (
	LegCreated  LegState = "created"
	LegRinging  LegState = "ringing"
	LegAnswered LegState = "answered"
	LegHungup   LegState = "hungup"
	LegFailed   LegState = "failed"
)

// Leg is one side of a call (customer or operator).
type Leg struct {
	ChannelID string
	State     LegState
	Number    string
	CallerID  string
	StartTS   time.Time
}

// Session is the central live entity the Session Manager owns.
type Session struct {
	ID        string
	Direction Direction

	CustomerLeg Leg
	OperatorLeg *Leg

	BridgeID string

	ScenarioCompany string
	ScenarioName    string

	LineID string

	// CurrentStep is the flow cursor: the step-id currently executing or
	// awaiting a wakeup.
	CurrentStep string

	// LoopCounters backs check_retry_limit steps.
	LoopCounters map[string]int

	LastTranscript string
	LastIntent     string
	ResultCode     string

	// PendingRecordingPath holds the telephony server's reference to the
	// most recently finished recording, stashed by the Session Manager's
	// on_event handler between RecordingFinished and the classify_intent
	// step picking it up. PendingRecordingFailed distinguishes a
	// RecordingFailed event (route to on_failure) from a RecordingFinished
	// one with an empty reference (route to on_empty).
	PendingRecordingPath   string
	PendingRecordingFailed bool

	// FlowStarted guards against starting a scenario's flow graph more
	// than once for the same session (e.g. duplicate answered events).
	FlowStarted bool

	AnsweredAt          *time.Time
	YesAt               *time.Time
	OperatorConnectedAt *time.Time

	PanelLastStatus string
	CleanupDone     bool

	// ContactID and PhoneNumber identify the dialed party for panel
	// reporting on outbound sessions.
	ContactID   string
	PhoneNumber string
	NumberID    string

	// AgentID and AgentPhone identify the operator an inbound/outbound
	// transfer connected to, for panel reporting.
	AgentID    string
	AgentPhone string

	mu sync.Mutex
}

// Lock/Unlock expose the session-scoped mutex so the flow engine can hold
// it for the duration of a mutation without the session package needing
// to know what the mutation is.
func (s *Session) Lock()   { s.mu.Lock() }
func (s *Session) Unlock() { s.mu.Unlock() }

// IsTerminal reports whether the session has reached a terminal state:
// set_result has run and both legs (where present) have left active
// states.
func (s *Session) IsTerminal() bool {
	if s.ResultCode == "" {
		return false
	}
	if s.CustomerLeg.State != LegHungup && s.CustomerLeg.State != LegFailed {
		return false
	}
	if s.OperatorLeg != nil && s.OperatorLeg.State != LegHungup && s.OperatorLeg.State != LegFailed {
		return false
	}
	return true
}
