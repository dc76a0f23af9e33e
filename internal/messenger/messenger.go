// Package messenger is the per-agent client of the substrate. An agent only
// ever writes its own Outbox and reads its own Inbox through this type;
// everything between the two is the broker's business.
package messenger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/joelkehle/agentvault/internal/a2a"
	"github.com/joelkehle/agentvault/internal/vault"
)

type Config struct {
	AgentID      string
	DefaultTTL   time.Duration // message TTL when the caller passes none
	MaxRetries   int           // delivery retry budget stamped on new messages
	PollInterval time.Duration // inbox poll interval for request/response waits
	Clock        func() time.Time
	Logger       *log.Logger
}

type Messenger struct {
	vault  vault.Vault
	layout vault.Layout
	signer *a2a.Signer
	cfg    Config
	tracer trace.Tracer
}

func New(v vault.Vault, signer *a2a.Signer, cfg Config) (*Messenger, error) {
	if cfg.AgentID == "" {
		return nil, fmt.Errorf("agent_id is required")
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 60 * time.Minute
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = a2a.DefaultMaxRetries
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	return &Messenger{
		vault:  v,
		signer: signer,
		cfg:    cfg,
		tracer: otel.Tracer("agentvault/messenger"),
	}, nil
}

func (m *Messenger) now() time.Time {
	return m.cfg.Clock().UTC()
}

type SendInput struct {
	To       string
	Type     a2a.MessageType
	Subject  string
	Payload  any
	Priority a2a.Priority
	TTL      time.Duration

	// ReplyTo and CorrelationID are set when answering a request.
	ReplyTo       string
	CorrelationID string
}

// Send builds, signs, and writes a new message into this agent's Outbox and
// returns its id. Delivery is asynchronous from here on; the broker owns it.
func (m *Messenger) Send(ctx context.Context, input SendInput) (string, error) {
	ctx, span := m.tracer.Start(ctx, "messenger.Send",
		trace.WithAttributes(attribute.String("to_agent", input.To)))
	defer span.End()

	if input.To == "" {
		return "", fmt.Errorf("to_agent is required")
	}
	if input.Type == "" {
		input.Type = a2a.TypeNotification
	}
	if !input.Type.Valid() {
		return "", fmt.Errorf("invalid message_type %q", input.Type)
	}
	if input.Priority == "" {
		input.Priority = a2a.PriorityNormal
	}
	ttl := input.TTL
	if ttl <= 0 {
		ttl = m.cfg.DefaultTTL
	}
	body, err := marshalPayload(input.Payload)
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}

	now := m.now()
	msg := &a2a.Message{
		MessageID:     a2a.NewMessageID(now),
		CorrelationID: input.CorrelationID,
		From:          m.cfg.AgentID,
		To:            input.To,
		Type:          input.Type,
		Priority:      input.Priority,
		CreatedAt:     now,
		ExpiresAt:     now.Add(ttl),
		Status:        a2a.StatusPending,
		RetryCount:    0,
		MaxRetries:    m.cfg.MaxRetries,
		Subject:       input.Subject,
		Body:          body,
		ReplyTo:       input.ReplyTo,
	}
	msg.Signature = m.signer.Sign(msg)

	record, err := a2a.Encode(msg)
	if err != nil {
		return "", err
	}
	path := m.layout.MessageRecord(m.layout.Outbox(m.cfg.AgentID), msg.MessageID)
	if err := m.vault.Write(ctx, path, record); err != nil {
		return "", fmt.Errorf("write outbox record: %w", err)
	}
	span.SetAttributes(attribute.String("message_id", msg.MessageID))
	return msg.MessageID, nil
}

// Broadcast sends to the reserved all-agents marker. The broker fans the
// record out as independent per-recipient copies sharing this message's id as
// their correlation id, which recipients can use to dedup.
func (m *Messenger) Broadcast(ctx context.Context, subject string, payload any, priority a2a.Priority) (string, error) {
	return m.Send(ctx, SendInput{
		To:       a2a.BroadcastRecipient,
		Type:     a2a.TypeBroadcast,
		Subject:  subject,
		Payload:  payload,
		Priority: priority,
	})
}

type ReceiveInput struct {
	Status         a2a.Status // filter; empty means all
	IncludeExpired bool
}

// Receive scans this agent's Inbox. Records that fail to decode or to verify
// are dropped and logged, never surfaced: a forged or corrupted message must
// be invisible to application code, not crash-worthy. Receive is read-only.
func (m *Messenger) Receive(ctx context.Context, input ReceiveInput) ([]a2a.Message, error) {
	inbox := m.layout.Inbox(m.cfg.AgentID)
	names, err := m.vault.List(ctx, inbox)
	if err != nil {
		return nil, err
	}
	now := m.now()
	out := []a2a.Message{}
	for _, name := range names {
		data, err := m.vault.Read(ctx, inbox+"/"+name)
		if err != nil {
			if errors.Is(err, vault.ErrNotFound) {
				continue // acknowledged between list and read
			}
			return nil, err
		}
		msg, err := a2a.Decode(data)
		if err != nil {
			m.cfg.Logger.Printf("dropping malformed inbox record agent=%s record=%s err=%v", m.cfg.AgentID, name, err)
			continue
		}
		if !m.signer.Verify(msg) {
			// distinct from malformed on purpose: this line is the
			// intrusion-detection signal
			m.cfg.Logger.Printf("dropping message with invalid signature agent=%s message_id=%s from=%s", m.cfg.AgentID, msg.MessageID, msg.From)
			continue
		}
		if !input.IncludeExpired && msg.Expired(now) {
			continue
		}
		if input.Status != "" && msg.Status != input.Status {
			continue
		}
		out = append(out, *msg)
	}
	return out, nil
}

// Acknowledge retires an inbox message into Completed. If the message was a
// request and a response payload is given, a response is sent back to the
// requester with correlation_id set to the request's id.
func (m *Messenger) Acknowledge(ctx context.Context, messageID, result string, responsePayload any) error {
	inboxPath := m.layout.MessageRecord(m.layout.Inbox(m.cfg.AgentID), messageID)
	data, err := m.vault.Read(ctx, inboxPath)
	if err != nil {
		if errors.Is(err, vault.ErrNotFound) {
			return fmt.Errorf("acknowledge %s: message not in inbox", messageID)
		}
		return err
	}
	msg, err := a2a.Decode(data)
	if err != nil {
		return err
	}

	msg.Status = a2a.StatusCompleted
	record, err := a2a.Encode(msg)
	if err != nil {
		return err
	}
	if err := m.vault.Write(ctx, m.layout.MessageRecord(m.layout.Completed(), messageID), record); err != nil {
		return fmt.Errorf("write completed record: %w", err)
	}
	if err := m.vault.Delete(ctx, inboxPath); err != nil && !errors.Is(err, vault.ErrNotFound) {
		return err
	}
	m.cfg.Logger.Printf("acknowledged agent=%s message_id=%s result=%s", m.cfg.AgentID, messageID, result)

	if msg.Type == a2a.TypeRequest && responsePayload != nil {
		_, err := m.Send(ctx, SendInput{
			To:            msg.From,
			Type:          a2a.TypeResponse,
			Subject:       "Re: " + msg.Subject,
			Payload:       responsePayload,
			Priority:      msg.Priority,
			ReplyTo:       msg.MessageID,
			CorrelationID: msg.MessageID,
		})
		if err != nil {
			return fmt.Errorf("send response for %s: %w", messageID, err)
		}
	}
	return nil
}

type QueueStatus struct {
	OutboundPending int
	InboundPending  int
}

// Status reports queue depths for observability.
func (m *Messenger) Status(ctx context.Context) (QueueStatus, error) {
	out, err := m.vault.List(ctx, m.layout.Outbox(m.cfg.AgentID))
	if err != nil {
		return QueueStatus{}, err
	}
	in, err := m.vault.List(ctx, m.layout.Inbox(m.cfg.AgentID))
	if err != nil {
		return QueueStatus{}, err
	}
	return QueueStatus{OutboundPending: len(out), InboundPending: len(in)}, nil
}

// CleanupOldMessages deletes completed and dead-lettered records older than
// the retention window. Pending and processing records are never touched, no
// matter how old.
func (m *Messenger) CleanupOldMessages(ctx context.Context, days int) (int, error) {
	if days <= 0 {
		days = 7
	}
	cutoff := m.now().AddDate(0, 0, -days)
	removed := 0
	for _, area := range []string{m.layout.Completed(), m.layout.DeadLetter()} {
		names, err := m.vault.List(ctx, area)
		if err != nil {
			return removed, err
		}
		for _, name := range names {
			path := area + "/" + name
			data, err := m.vault.Read(ctx, path)
			if err != nil {
				continue
			}
			msg, err := a2a.Decode(data)
			if err != nil || msg.CreatedAt.After(cutoff) {
				continue
			}
			if err := m.vault.Delete(ctx, path); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}

// SendRequestAndWait sends a request and polls this agent's own Inbox for a
// response carrying the request's id as correlation_id. ok=false means the
// timeout elapsed with no response, which is an expected outcome, not an
// error; the caller cannot distinguish a slow responder from a failed one and
// must retry at its own layer if it cares.
func (m *Messenger) SendRequestAndWait(ctx context.Context, to, subject string, payload any, timeout time.Duration) (*a2a.Message, bool, error) {
	ctx, span := m.tracer.Start(ctx, "messenger.SendRequestAndWait",
		trace.WithAttributes(attribute.String("to_agent", to)))
	defer span.End()

	requestID, err := m.Send(ctx, SendInput{
		To:      to,
		Type:    a2a.TypeRequest,
		Subject: subject,
		Payload: payload,
	})
	if err != nil {
		return nil, false, err
	}

	deadline := m.now().Add(timeout)
	for {
		msgs, err := m.Receive(ctx, ReceiveInput{})
		if err != nil {
			return nil, false, err
		}
		for i := range msgs {
			if msgs[i].Type == a2a.TypeResponse && msgs[i].CorrelationID == requestID {
				resp := msgs[i]
				if err := m.Acknowledge(ctx, resp.MessageID, "received", nil); err != nil {
					m.cfg.Logger.Printf("acknowledge response failed agent=%s message_id=%s err=%v", m.cfg.AgentID, resp.MessageID, err)
				}
				return &resp, true, nil
			}
		}
		if !m.now().Before(deadline) {
			return nil, false, nil
		}
		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-time.After(m.cfg.PollInterval):
		}
	}
}

func marshalPayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	default:
		return json.Marshal(payload)
	}
}
