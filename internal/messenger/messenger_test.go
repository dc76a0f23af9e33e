package messenger

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"testing"
	"time"

	"github.com/joelkehle/agentvault/internal/a2a"
	"github.com/joelkehle/agentvault/internal/vault"
)

var testSecret = []byte("deployment-secret")

func newTestMessenger(t *testing.T, agentID string) (*Messenger, vault.Vault, *time.Time) {
	t.Helper()
	v, err := vault.NewFSVault(t.TempDir())
	if err != nil {
		t.Fatalf("vault: %v", err)
	}
	return newMessengerOn(t, v, agentID)
}

func newMessengerOn(t *testing.T, v vault.Vault, agentID string) (*Messenger, vault.Vault, *time.Time) {
	t.Helper()
	now := time.Date(2026, 2, 17, 9, 0, 0, 0, time.UTC)
	m, err := New(v, a2a.NewSigner(testSecret), Config{
		AgentID:      agentID,
		DefaultTTL:   time.Hour,
		PollInterval: 10 * time.Millisecond,
		Clock:        func() time.Time { return now },
		Logger:       log.New(io.Discard, "", 0),
	})
	if err != nil {
		t.Fatalf("messenger: %v", err)
	}
	return m, v, &now
}

// deliver places a signed message directly into an agent's inbox, playing the
// broker's part.
func deliver(t *testing.T, v vault.Vault, msg *a2a.Message) {
	t.Helper()
	var layout vault.Layout
	msg.Status = a2a.StatusProcessing
	msg.Signature = a2a.NewSigner(testSecret).Sign(msg)
	record, err := a2a.Encode(msg)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	path := layout.MessageRecord(layout.Inbox(msg.To), msg.MessageID)
	if err := v.Write(context.Background(), path, record); err != nil {
		t.Fatalf("write inbox: %v", err)
	}
}

func inboxMessage(id, from, to string, now time.Time) *a2a.Message {
	return &a2a.Message{
		MessageID:  id,
		From:       from,
		To:         to,
		Type:       a2a.TypeNotification,
		Priority:   a2a.PriorityNormal,
		CreatedAt:  now,
		ExpiresAt:  now.Add(time.Hour),
		Status:     a2a.StatusProcessing,
		MaxRetries: a2a.DefaultMaxRetries,
		Subject:    "Invoice #4521 received",
		Body:       []byte(`{"invoice_id": 4521}`),
	}
}

func TestSendWritesSignedOutboxRecord(t *testing.T) {
	m, v, now := newTestMessenger(t, "billing-watcher")
	ctx := context.Background()

	id, err := m.Send(ctx, SendInput{
		To:      "classifier",
		Type:    a2a.TypeRequest,
		Subject: "Classify invoice #4521",
		Payload: map[string]any{"invoice_id": 4521},
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	var layout vault.Layout
	data, err := v.Read(ctx, layout.MessageRecord(layout.Outbox("billing-watcher"), id))
	if err != nil {
		t.Fatalf("read outbox: %v", err)
	}
	msg, err := a2a.Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.From != "billing-watcher" || msg.To != "classifier" || msg.Type != a2a.TypeRequest {
		t.Fatalf("routing fields: %+v", msg)
	}
	if msg.Status != a2a.StatusPending || msg.RetryCount != 0 || msg.MaxRetries != a2a.DefaultMaxRetries {
		t.Fatalf("lifecycle fields: status=%s retry=%d max=%d", msg.Status, msg.RetryCount, msg.MaxRetries)
	}
	if !msg.ExpiresAt.Equal(now.Add(time.Hour)) {
		t.Fatalf("expires_at: got %v", msg.ExpiresAt)
	}
	if !a2a.NewSigner(testSecret).Verify(msg) {
		t.Fatal("outbox record does not verify")
	}
}

func TestSendRejectsMissingRecipient(t *testing.T) {
	m, _, _ := newTestMessenger(t, "a")
	if _, err := m.Send(context.Background(), SendInput{Subject: "x"}); err == nil {
		t.Fatal("send without recipient succeeded")
	}
}

func TestBroadcastTargetsAllMarker(t *testing.T) {
	m, v, _ := newTestMessenger(t, "coordinator")
	ctx := context.Background()
	id, err := m.Broadcast(ctx, "Maintenance window at 22:00", nil, a2a.PriorityHigh)
	if err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	var layout vault.Layout
	data, _ := v.Read(ctx, layout.MessageRecord(layout.Outbox("coordinator"), id))
	msg, err := a2a.Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.To != a2a.BroadcastRecipient || msg.Type != a2a.TypeBroadcast {
		t.Fatalf("broadcast fields: to=%s type=%s", msg.To, msg.Type)
	}
}

func TestReceiveReturnsVerifiedMessages(t *testing.T) {
	m, v, now := newTestMessenger(t, "classifier")
	deliver(t, v, inboxMessage("msg-1", "billing-watcher", "classifier", *now))

	msgs, err := m.Receive(context.Background(), ReceiveInput{})
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if len(msgs) != 1 || msgs[0].MessageID != "msg-1" {
		t.Fatalf("got %d messages", len(msgs))
	}
}

func TestReceiveDropsForgedMessage(t *testing.T) {
	m, v, now := newTestMessenger(t, "classifier")
	ctx := context.Background()

	// signed under a different secret, as an intruder without the deployment
	// secret would produce
	forged := inboxMessage("msg-forged", "impostor", "classifier", *now)
	forged.Signature = a2a.NewSigner([]byte("attacker-secret")).Sign(forged)
	record, err := a2a.Encode(forged)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var layout vault.Layout
	if err := v.Write(ctx, layout.MessageRecord(layout.Inbox("classifier"), forged.MessageID), record); err != nil {
		t.Fatalf("write: %v", err)
	}

	msgs, err := m.Receive(ctx, ReceiveInput{})
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("forged message surfaced to application code: %+v", msgs)
	}
	// receive is read-only; the record stays for the auditor
	if ok, _ := v.Exists(ctx, layout.MessageRecord(layout.Inbox("classifier"), forged.MessageID)); !ok {
		t.Fatal("receive removed the forged record")
	}
}

func TestReceiveDropsMalformedRecord(t *testing.T) {
	m, v, now := newTestMessenger(t, "classifier")
	ctx := context.Background()
	var layout vault.Layout
	if err := v.Write(ctx, layout.Inbox("classifier")+"/garbage.md", []byte("not a message")); err != nil {
		t.Fatalf("write: %v", err)
	}
	deliver(t, v, inboxMessage("msg-ok", "billing-watcher", "classifier", *now))

	msgs, err := m.Receive(ctx, ReceiveInput{})
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if len(msgs) != 1 || msgs[0].MessageID != "msg-ok" {
		t.Fatalf("got %+v", msgs)
	}
}

func TestReceiveFiltersExpired(t *testing.T) {
	m, v, now := newTestMessenger(t, "classifier")
	deliver(t, v, inboxMessage("msg-1", "billing-watcher", "classifier", *now))

	*now = now.Add(2 * time.Hour)
	msgs, err := m.Receive(context.Background(), ReceiveInput{})
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("expired message surfaced: %+v", msgs)
	}

	msgs, err = m.Receive(context.Background(), ReceiveInput{IncludeExpired: true})
	if err != nil {
		t.Fatalf("receive include expired: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("include_expired did not surface the message")
	}
}

func TestAcknowledgeRetiresToCompleted(t *testing.T) {
	m, v, now := newTestMessenger(t, "classifier")
	ctx := context.Background()
	deliver(t, v, inboxMessage("msg-1", "billing-watcher", "classifier", *now))

	if err := m.Acknowledge(ctx, "msg-1", "done", nil); err != nil {
		t.Fatalf("acknowledge: %v", err)
	}
	var layout vault.Layout
	if ok, _ := v.Exists(ctx, layout.MessageRecord(layout.Inbox("classifier"), "msg-1")); ok {
		t.Fatal("message still in inbox after acknowledge")
	}
	data, err := v.Read(ctx, layout.MessageRecord(layout.Completed(), "msg-1"))
	if err != nil {
		t.Fatalf("read completed: %v", err)
	}
	msg, err := a2a.Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.Status != a2a.StatusCompleted {
		t.Fatalf("status: got %s", msg.Status)
	}
}

func TestAcknowledgeRequestSendsCorrelatedResponse(t *testing.T) {
	m, v, now := newTestMessenger(t, "classifier")
	ctx := context.Background()
	req := inboxMessage("msg-req", "billing-watcher", "classifier", *now)
	req.Type = a2a.TypeRequest
	deliver(t, v, req)

	if err := m.Acknowledge(ctx, "msg-req", "classified", map[string]string{"category": "business"}); err != nil {
		t.Fatalf("acknowledge: %v", err)
	}

	var layout vault.Layout
	names, err := v.List(ctx, layout.Outbox("classifier"))
	if err != nil {
		t.Fatalf("list outbox: %v", err)
	}
	if len(names) != 1 {
		t.Fatalf("outbox after acknowledge: %v", names)
	}
	data, _ := v.Read(ctx, layout.Outbox("classifier")+"/"+names[0])
	resp, err := a2a.Decode(data)
	if err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Type != a2a.TypeResponse || resp.To != "billing-watcher" {
		t.Fatalf("response fields: %+v", resp)
	}
	if resp.CorrelationID != "msg-req" || resp.ReplyTo != "msg-req" {
		t.Fatalf("correlation: correlation_id=%s reply_to=%s", resp.CorrelationID, resp.ReplyTo)
	}
	if resp.Subject != "Re: Invoice #4521 received" {
		t.Fatalf("subject: %q", resp.Subject)
	}
	var payload map[string]string
	if err := json.Unmarshal(resp.Body, &payload); err != nil || payload["category"] != "business" {
		t.Fatalf("payload: %s", resp.Body)
	}
}

func TestAcknowledgeMissingMessage(t *testing.T) {
	m, _, _ := newTestMessenger(t, "classifier")
	if err := m.Acknowledge(context.Background(), "msg-nope", "done", nil); err == nil {
		t.Fatal("acknowledge of missing message succeeded")
	}
}

func TestStatusCountsQueues(t *testing.T) {
	m, v, now := newTestMessenger(t, "classifier")
	ctx := context.Background()
	if _, err := m.Send(ctx, SendInput{To: "someone", Subject: "one"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := m.Send(ctx, SendInput{To: "someone", Subject: "two"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	deliver(t, v, inboxMessage("msg-in", "billing-watcher", "classifier", *now))

	s, err := m.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if s.OutboundPending != 2 || s.InboundPending != 1 {
		t.Fatalf("status: %+v", s)
	}
}

func TestCleanupOldMessagesHonorsRetention(t *testing.T) {
	m, v, now := newTestMessenger(t, "classifier")
	ctx := context.Background()
	var layout vault.Layout

	write := func(area, id string, createdAt time.Time) {
		msg := inboxMessage(id, "a", "b", createdAt)
		msg.Signature = a2a.NewSigner(testSecret).Sign(msg)
		record, err := a2a.Encode(msg)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		if err := v.Write(ctx, layout.MessageRecord(area, id), record); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	old := now.AddDate(0, 0, -10)
	write(layout.Completed(), "msg-old-done", old)
	write(layout.DeadLetter(), "msg-old-dead", old)
	write(layout.Completed(), "msg-fresh", *now)
	write(layout.Pending(), "msg-old-pending", old)
	write(layout.Processing(), "msg-old-processing", old)

	removed, err := m.CleanupOldMessages(ctx, 7)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if removed != 2 {
		t.Fatalf("removed %d, want 2", removed)
	}
	for _, keep := range []string{
		layout.MessageRecord(layout.Completed(), "msg-fresh"),
		layout.MessageRecord(layout.Pending(), "msg-old-pending"),
		layout.MessageRecord(layout.Processing(), "msg-old-processing"),
	} {
		if ok, _ := v.Exists(ctx, keep); !ok {
			t.Fatalf("cleanup removed %s", keep)
		}
	}
}

func TestSendRequestAndWaitTimesOut(t *testing.T) {
	v, err := vault.NewFSVault(t.TempDir())
	if err != nil {
		t.Fatalf("vault: %v", err)
	}
	m, err := New(v, a2a.NewSigner(testSecret), Config{
		AgentID:      "requester",
		PollInterval: 5 * time.Millisecond,
		Logger:       log.New(io.Discard, "", 0),
	})
	if err != nil {
		t.Fatalf("messenger: %v", err)
	}
	resp, ok, err := m.SendRequestAndWait(context.Background(), "silent", "Anyone there?", nil, 30*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if ok || resp != nil {
		t.Fatalf("timeout reported a response: ok=%v resp=%+v", ok, resp)
	}
}

func TestSendRequestAndWaitMatchesCorrelatedResponse(t *testing.T) {
	v, err := vault.NewFSVault(t.TempDir())
	if err != nil {
		t.Fatalf("vault: %v", err)
	}
	m, err := New(v, a2a.NewSigner(testSecret), Config{
		AgentID:      "requester",
		PollInterval: 5 * time.Millisecond,
		Logger:       log.New(io.Discard, "", 0),
	})
	if err != nil {
		t.Fatalf("messenger: %v", err)
	}
	ctx := context.Background()
	var layout vault.Layout

	// a stand-in responder: watch the outbox, answer the request directly
	// into the requester's inbox
	go func() {
		for i := 0; i < 400; i++ {
			names, err := v.List(ctx, layout.Outbox("requester"))
			if err != nil || len(names) == 0 {
				time.Sleep(5 * time.Millisecond)
				continue
			}
			data, err := v.Read(ctx, layout.Outbox("requester")+"/"+names[0])
			if err != nil {
				continue
			}
			req, err := a2a.Decode(data)
			if err != nil {
				return
			}
			resp := inboxMessage("msg-resp", "responder", "requester", time.Now().UTC())
			resp.Type = a2a.TypeResponse
			resp.CorrelationID = req.MessageID
			resp.ReplyTo = req.MessageID
			resp.Body = []byte(`{"category": "business"}`)
			resp.Signature = a2a.NewSigner(testSecret).Sign(resp)
			record, err := a2a.Encode(resp)
			if err != nil {
				return
			}
			v.Write(ctx, layout.MessageRecord(layout.Inbox("requester"), resp.MessageID), record)
			return
		}
	}()

	resp, ok, err := m.SendRequestAndWait(ctx, "responder", "Classify invoice #4521", map[string]int{"invoice_id": 4521}, 5*time.Second)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if !ok {
		t.Fatal("no response within timeout")
	}
	if resp.CorrelationID == "" || resp.From != "responder" {
		t.Fatalf("response: %+v", resp)
	}
	// the matched response is acknowledged on the way out
	if ok, _ := v.Exists(ctx, layout.MessageRecord(layout.Inbox("requester"), resp.MessageID)); ok {
		t.Fatal("matched response left in inbox")
	}
}
