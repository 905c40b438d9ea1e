// Package ledger records every message exchanged with a device and the
// status it reached.
package ledger

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound          = errors.New("ledger: entry not found")
	ErrInvalidTransition = errors.New("ledger: invalid status transition")
	ErrInvalidFilter     = errors.New("ledger: invalid filter")
)

type Direction string

const (
	Inbound  Direction = "INBOUND"
	Outbound Direction = "OUTBOUND"
)

func (d Direction) Valid() bool {
	return d == Inbound || d == Outbound
}

type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusSent       Status = "SENT"
	StatusSuccess    Status = "SUCCESS"
	StatusRejected   Status = "REJECTED"
	StatusTimeout    Status = "TIMEOUT"
	StatusError      Status = "ERROR"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusSent, StatusSuccess,
		StatusRejected, StatusTimeout, StatusError:
		return true
	}
	return false
}

// Terminal reports whether no automatic step follows s.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusRejected, StatusTimeout, StatusError:
		return true
	}
	return false
}

// transitions lists, per direction, the states each status may move to.
// PROCESSING -> PROCESSING is a retry attempt; ERROR -> PENDING is the
// manual requeue.
var transitions = map[Direction]map[Status][]Status{
	Inbound: {
		StatusPending:    {StatusProcessing},
		StatusProcessing: {StatusProcessing, StatusSuccess, StatusError},
		StatusError:      {StatusPending},
	},
	Outbound: {
		StatusPending: {StatusSent, StatusTimeout, StatusError},
		StatusSent:    {StatusSuccess, StatusRejected, StatusTimeout, StatusError},
	},
}

// CanTransition reports whether an entry of direction dir may move from one
// status to another.
func CanTransition(dir Direction, from, to Status) bool {
	for _, s := range transitions[dir][from] {
		if s == to {
			return true
		}
	}
	return false
}

// SourcesOf returns the statuses from which an entry of direction dir may
// reach to.
func SourcesOf(dir Direction, to Status) []Status {
	var out []Status
	for _, from := range []Status{StatusPending, StatusProcessing, StatusSent, StatusError} {
		if CanTransition(dir, from, to) {
			out = append(out, from)
		}
	}
	return out
}

// Entry is one message exchanged with a device.
type Entry struct {
	ID            uuid.UUID       `json:"id"`
	DeviceID      uuid.UUID       `json:"device_id"`
	Direction     Direction       `json:"direction"`
	MessageType   string          `json:"message_type"`
	ControlID     string          `json:"control_id"`
	RawMessage    string          `json:"raw_message"`
	Status        Status          `json:"status"`
	ParsedSummary json.RawMessage `json:"parsed_summary,omitempty"`
	ErrorText     *string         `json:"error_text,omitempty"`
	OrderID       *uuid.UUID      `json:"order_id,omitempty"`
	Attempts      int             `json:"attempts"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Change describes the columns a transition writes besides status.
// Nil fields are left untouched.
type Change struct {
	ParsedSummary json.RawMessage
	ErrorText     *string
	ClearError    bool
	OrderID       *uuid.UUID
	CountAttempt  bool
}

// Filter narrows List. Zero values match everything.
type Filter struct {
	DeviceID  *uuid.UUID
	OrderID   *uuid.UUID
	Status    Status
	Direction Direction
}

// StatusCount is one row of Stats.
type StatusCount struct {
	Direction Direction `json:"direction"`
	Status    Status    `json:"status"`
	Count     int       `json:"count"`
}
