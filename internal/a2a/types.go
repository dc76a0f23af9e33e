package a2a

import (
	"encoding/json"
	"time"
)

type MessageType string

const (
	TypeRequest      MessageType = "request"
	TypeResponse     MessageType = "response"
	TypeNotification MessageType = "notification"
	TypeBroadcast    MessageType = "broadcast"
	TypeCommand      MessageType = "command"
)

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusDeadLetter Status = "dead_letter"
)

// BroadcastRecipient is the reserved to_agent marker the broker fans out to
// every online agent.
const BroadcastRecipient = "all"

// DefaultMaxRetries is the delivery retry budget for a new message.
const DefaultMaxRetries = 3

// FailureReason values recorded by the broker when a message enters Failed.
const (
	ReasonExpired         = "expired"
	ReasonDeliveryFailure = "delivery_failure"
)

// Message is the unit of communication between agents. Body is carried as an
// opaque payload; the codec round-trips it byte-for-byte and application code
// imposes its own schema after receipt.
type Message struct {
	MessageID     string
	CorrelationID string
	From          string
	To            string
	Type          MessageType
	Priority      Priority
	CreatedAt     time.Time
	ExpiresAt     time.Time
	Status        Status
	RetryCount    int
	MaxRetries    int
	Subject       string
	Body          json.RawMessage
	Signature     string
	ReplyTo       string

	// Broker-internal failure bookkeeping. Only set on records in Failed.
	FailureReason string
	RetryAt       time.Time
}

func (t MessageType) Valid() bool {
	switch t {
	case TypeRequest, TypeResponse, TypeNotification, TypeBroadcast, TypeCommand:
		return true
	default:
		return false
	}
}

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	default:
		return false
	}
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusDeadLetter:
		return true
	default:
		return false
	}
}

// Terminal reports whether a status is a resting state the broker never moves
// a record out of.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusDeadLetter
}

// Expired reports whether the message TTL has passed at the given instant.
func (m *Message) Expired(now time.Time) bool {
	return !m.ExpiresAt.IsZero() && now.After(m.ExpiresAt)
}
