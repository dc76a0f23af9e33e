package a2a

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// RecordType marks a vault record as an agent-to-agent message.
const RecordType = "a2a_message"

const (
	frontmatterDelim = "---"
	subjectPrefix    = "# Subject:"
	payloadMarker    = "## Payload"
)

// recordHeader is the YAML frontmatter of an encoded message. Field order here
// is the on-disk field order.
type recordHeader struct {
	Type          string `yaml:"type"`
	MessageID     string `yaml:"message_id"`
	Timestamp     string `yaml:"timestamp"`
	Expires       string `yaml:"expires"`
	Priority      string `yaml:"priority"`
	FromAgent     string `yaml:"from_agent"`
	ToAgent       string `yaml:"to_agent"`
	MessageType   string `yaml:"message_type"`
	CorrelationID string `yaml:"correlation_id,omitempty"`
	ReplyTo       string `yaml:"reply_to,omitempty"`
	Status        string `yaml:"status"`
	RetryCount    *int   `yaml:"retry_count"`
	MaxRetries    *int   `yaml:"max_retries"`
	Signature     string `yaml:"signature"`
	FailureReason string `yaml:"failure_reason,omitempty"`
	RetryAt       string `yaml:"retry_at,omitempty"`
}

// Encode serializes a message to its durable record form: YAML frontmatter, a
// subject line, and the payload block carried byte-for-byte. Encode never
// computes or checks the signature; the Signer owns that.
func Encode(m *Message) ([]byte, error) {
	if m.MessageID == "" {
		return nil, NewError(CodeMalformed, "message_id is required")
	}
	if !m.Type.Valid() {
		return nil, NewError(CodeMalformed, "invalid message_type %q", m.Type)
	}
	if !m.Priority.Valid() {
		return nil, NewError(CodeMalformed, "invalid priority %q", m.Priority)
	}
	if !m.Status.Valid() {
		return nil, NewError(CodeMalformed, "invalid status %q", m.Status)
	}

	rc := m.RetryCount
	mr := m.MaxRetries
	h := recordHeader{
		Type:          RecordType,
		MessageID:     m.MessageID,
		Timestamp:     formatTime(m.CreatedAt),
		Expires:       formatTime(m.ExpiresAt),
		Priority:      string(m.Priority),
		FromAgent:     m.From,
		ToAgent:       m.To,
		MessageType:   string(m.Type),
		CorrelationID: m.CorrelationID,
		ReplyTo:       m.ReplyTo,
		Status:        string(m.Status),
		RetryCount:    &rc,
		MaxRetries:    &mr,
		Signature:     m.Signature,
		FailureReason: m.FailureReason,
	}
	if !m.RetryAt.IsZero() {
		h.RetryAt = formatTime(m.RetryAt)
	}

	head, err := yaml.Marshal(&h)
	if err != nil {
		return nil, fmt.Errorf("marshal header: %w", err)
	}

	var b strings.Builder
	// the subject is a single line of the record by construction
	subject := strings.ReplaceAll(m.Subject, "\n", " ")

	b.WriteString(frontmatterDelim + "\n")
	b.Write(head)
	b.WriteString(frontmatterDelim + "\n")
	b.WriteString(subjectPrefix + " " + subject + "\n\n")
	b.WriteString(payloadMarker + "\n")
	b.Write(m.Body)
	return []byte(b.String()), nil
}

// Decode parses a durable record back into a Message. Any missing required
// header field is a malformed record; extra header fields are tolerated so the
// format can grow. Signature verification is deliberately not done here, which
// keeps Decode usable in unsigned contexts such as audit tooling.
func Decode(record []byte) (*Message, error) {
	text := string(record)
	if !strings.HasPrefix(text, frontmatterDelim+"\n") {
		return nil, NewError(CodeMalformed, "missing frontmatter open")
	}
	rest := text[len(frontmatterDelim)+1:]
	end := strings.Index(rest, "\n"+frontmatterDelim+"\n")
	if end < 0 {
		return nil, NewError(CodeMalformed, "missing frontmatter close")
	}
	headBlock := rest[:end+1]
	body := rest[end+len(frontmatterDelim)+2:]

	var h recordHeader
	if err := yaml.Unmarshal([]byte(headBlock), &h); err != nil {
		return nil, NewError(CodeMalformed, "bad frontmatter: %v", err)
	}
	if h.Type != RecordType {
		return nil, NewError(CodeMalformed, "record type %q is not %s", h.Type, RecordType)
	}
	for name, val := range map[string]string{
		"message_id":   h.MessageID,
		"timestamp":    h.Timestamp,
		"expires":      h.Expires,
		"priority":     h.Priority,
		"from_agent":   h.FromAgent,
		"to_agent":     h.ToAgent,
		"message_type": h.MessageType,
		"status":       h.Status,
		"signature":    h.Signature,
	} {
		if val == "" {
			return nil, NewError(CodeMalformed, "missing required header field %s", name)
		}
	}
	if h.RetryCount == nil || h.MaxRetries == nil {
		return nil, NewError(CodeMalformed, "missing required header field retry_count/max_retries")
	}

	m := &Message{
		MessageID:     h.MessageID,
		CorrelationID: h.CorrelationID,
		From:          h.FromAgent,
		To:            h.ToAgent,
		Type:          MessageType(h.MessageType),
		Priority:      Priority(h.Priority),
		Status:        Status(h.Status),
		RetryCount:    *h.RetryCount,
		MaxRetries:    *h.MaxRetries,
		Signature:     h.Signature,
		ReplyTo:       h.ReplyTo,
		FailureReason: h.FailureReason,
	}
	if !m.Type.Valid() {
		return nil, NewError(CodeMalformed, "invalid message_type %q", h.MessageType)
	}
	if !m.Priority.Valid() {
		return nil, NewError(CodeMalformed, "invalid priority %q", h.Priority)
	}
	if !m.Status.Valid() {
		return nil, NewError(CodeMalformed, "invalid status %q", h.Status)
	}

	var err error
	if m.CreatedAt, err = parseTime(h.Timestamp); err != nil {
		return nil, NewError(CodeMalformed, "bad timestamp: %v", err)
	}
	if m.ExpiresAt, err = parseTime(h.Expires); err != nil {
		return nil, NewError(CodeMalformed, "bad expires: %v", err)
	}
	if h.RetryAt != "" {
		if m.RetryAt, err = parseTime(h.RetryAt); err != nil {
			return nil, NewError(CodeMalformed, "bad retry_at: %v", err)
		}
	}

	subjLine, after, ok := strings.Cut(body, "\n")
	if !ok || !strings.HasPrefix(subjLine, subjectPrefix) {
		return nil, NewError(CodeMalformed, "missing subject line")
	}
	m.Subject = strings.TrimPrefix(strings.TrimPrefix(subjLine, subjectPrefix), " ")

	idx := strings.Index(after, payloadMarker+"\n")
	if idx < 0 {
		return nil, NewError(CodeMalformed, "missing payload block")
	}
	payload := after[idx+len(payloadMarker)+1:]
	if payload != "" {
		m.Body = []byte(payload)
	}
	return m, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
