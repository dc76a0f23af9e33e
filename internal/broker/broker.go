// Package broker is the background loop that moves messages between vault
// areas: Outbox -> Pending -> Processing -> Inbox, with expiry, exponential
// retry, dead-lettering, and retention cleanup. Every transition is a record
// relocation (or a rewrite followed by one), never an in-place mutation, so a
// crash mid-cycle leaves records in an area the next cycle knows how to
// resume from. The collect and route claims are plain conditional moves, so
// running more than one broker instance is safe even though one is assumed.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/joelkehle/agentvault/internal/a2a"
	"github.com/joelkehle/agentvault/internal/claim"
	"github.com/joelkehle/agentvault/internal/registry"
	"github.com/joelkehle/agentvault/internal/vault"
)

type Config struct {
	BrokerID        string        // identity used for collect-step claims
	Interval        time.Duration // cycle interval
	RetryBase       time.Duration // backoff base: delay = base * 2^retry_count
	RetryCap        time.Duration // backoff ceiling
	RetentionDays   int           // terminal record retention
	CleanupSchedule string        // cron spec for the retention sweep
	Clock           func() time.Time
	Logger          *log.Logger
}

type Broker struct {
	vault    vault.Vault
	layout   vault.Layout
	claims   *claim.Manager
	registry *registry.Registry
	signer   *a2a.Signer
	cfg      Config
	metrics  *Metrics
	tracer   trace.Tracer
}

func New(v vault.Vault, reg *registry.Registry, signer *a2a.Signer, metrics *Metrics, cfg Config) *Broker {
	if cfg.BrokerID == "" {
		cfg.BrokerID = "broker"
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 30 * time.Second
	}
	if cfg.RetryCap <= 0 {
		cfg.RetryCap = 15 * time.Minute
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 7
	}
	if cfg.CleanupSchedule == "" {
		cfg.CleanupSchedule = "@hourly"
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	return &Broker{
		vault:    v,
		claims:   claim.NewManager(v),
		registry: reg,
		signer:   signer,
		cfg:      cfg,
		metrics:  metrics,
		tracer:   otel.Tracer("agentvault/broker"),
	}
}

func (b *Broker) now() time.Time {
	return b.cfg.Clock().UTC()
}

// Run drives cycles on the configured interval until ctx is cancelled. The
// retention sweep runs on its own cron schedule so a large backlog of
// terminal records never stalls delivery.
func (b *Broker) Run(ctx context.Context) error {
	c := cron.New()
	if _, err := c.AddFunc(b.cfg.CleanupSchedule, func() {
		if _, err := b.Cleanup(ctx); err != nil {
			b.cfg.Logger.Printf("broker cleanup failed err=%v", err)
		}
	}); err != nil {
		return fmt.Errorf("cleanup schedule %q: %w", b.cfg.CleanupSchedule, err)
	}
	c.Start()
	defer c.Stop()

	ticker := time.NewTicker(b.cfg.Interval)
	defer ticker.Stop()
	b.cfg.Logger.Printf("broker started interval=%s retry_base=%s retention_days=%d",
		b.cfg.Interval, b.cfg.RetryBase, b.cfg.RetentionDays)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			b.Cycle(ctx)
		}
	}
}

// Cycle runs one pass of the state machine. Step failures are logged and do
// not abort the cycle; a record stuck by a transient error is simply seen
// again next time.
func (b *Broker) Cycle(ctx context.Context) {
	ctx, span := b.tracer.Start(ctx, "broker.Cycle")
	defer span.End()

	now := b.now()
	if err := b.collect(ctx); err != nil {
		b.cfg.Logger.Printf("broker collect failed err=%v", err)
	}
	if err := b.expire(ctx, now); err != nil {
		b.cfg.Logger.Printf("broker expire failed err=%v", err)
	}
	if err := b.route(ctx, now); err != nil {
		b.cfg.Logger.Printf("broker route failed err=%v", err)
	}
	if err := b.retry(ctx, now); err != nil {
		b.cfg.Logger.Printf("broker retry failed err=%v", err)
	}
	if err := b.deadLetter(ctx, now); err != nil {
		b.cfg.Logger.Printf("broker dead-letter failed err=%v", err)
	}
}

// collect relocates every outbox record into shared Pending via a claim: the
// record is first moved into this broker's private claim area and only then
// released into Pending. A concurrent broker that loses the claim just skips
// the record, so two instances can never double-collect one message.
func (b *Broker) collect(ctx context.Context) error {
	agents, err := b.vault.List(ctx, b.layout.OutboxRoot())
	if err != nil {
		return err
	}
	for _, agent := range agents {
		names, err := b.vault.List(ctx, b.layout.Outbox(agent))
		if err != nil {
			return err
		}
		for _, name := range names {
			claimed, ok, err := b.claims.TryClaim(ctx, b.layout.Outbox(agent)+"/"+name, b.cfg.BrokerID)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			if err := b.claims.Release(ctx, claimed, b.layout.Pending()+"/"+name); err != nil {
				return err
			}
			b.metrics.Collected.Inc()
		}
	}
	return nil
}

// expire fails any pending or in-flight record past its TTL. No delivery is
// attempted and the record never re-enters the retry path; it sits in Failed
// for one retry window so senders polling for failure can see the reason,
// then dead-letters.
func (b *Broker) expire(ctx context.Context, now time.Time) error {
	for _, area := range []string{b.layout.Pending(), b.layout.Processing()} {
		names, err := b.vault.List(ctx, area)
		if err != nil {
			return err
		}
		for _, name := range names {
			path := area + "/" + name
			msg, err := b.readMessage(ctx, path)
			if err != nil {
				continue
			}
			if !msg.Expired(now) {
				continue
			}
			msg.Status = a2a.StatusFailed
			msg.FailureReason = a2a.ReasonExpired
			msg.RetryAt = now.Add(b.cfg.RetryBase)
			if err := b.rewriteAndRelocate(ctx, msg, path, b.layout.Failed()+"/"+name); err != nil {
				return err
			}
			b.metrics.Expired.Inc()
			b.cfg.Logger.Printf("broker expired message_id=%s to=%s expires=%s",
				msg.MessageID, msg.To, msg.ExpiresAt.Format(time.RFC3339))
		}
	}
	return nil
}

// route claims pending records into Processing and delivers everything found
// there, including leftovers a crashed broker never finished.
func (b *Broker) route(ctx context.Context, now time.Time) error {
	names, err := b.vault.List(ctx, b.layout.Pending())
	if err != nil {
		return err
	}
	for _, name := range names {
		err := b.vault.Move(ctx, b.layout.Pending()+"/"+name, b.layout.Processing()+"/"+name)
		if err != nil && !errors.Is(err, vault.ErrNotFound) {
			return err
		}
	}

	inFlight, err := b.vault.List(ctx, b.layout.Processing())
	if err != nil {
		return err
	}
	for _, name := range inFlight {
		path := b.layout.Processing() + "/" + name
		msg, err := b.readMessage(ctx, path)
		if err != nil {
			if errors.Is(err, vault.ErrNotFound) {
				continue
			}
			// undecodable records cannot be delivered or retried
			b.metrics.MalformedDiscards.Inc()
			b.cfg.Logger.Printf("broker discarding malformed record=%s err=%v", name, err)
			_ = b.vault.Delete(ctx, path)
			continue
		}
		if msg.Expired(now) {
			continue // next expire pass handles it
		}
		if msg.To == a2a.BroadcastRecipient {
			if err := b.fanOut(ctx, msg, path, name, now); err != nil {
				return err
			}
			continue
		}
		b.deliver(ctx, msg, path, name, now)
	}
	return nil
}

// deliver writes a processing record into the recipient's inbox. A failed
// inbox write is a delivery failure: the record enters Failed with a backoff
// stamp and takes the retry path.
func (b *Broker) deliver(ctx context.Context, msg *a2a.Message, path, name string, now time.Time) {
	msg.Status = a2a.StatusProcessing
	record, err := a2a.Encode(msg)
	if err == nil {
		err = b.vault.Write(ctx, b.layout.Inbox(msg.To)+"/"+name, record)
	}
	if err != nil {
		b.metrics.DeliveryFailures.Inc()
		b.cfg.Logger.Printf("broker delivery failed message_id=%s to=%s retry_count=%d err=%v",
			msg.MessageID, msg.To, msg.RetryCount, err)
		msg.Status = a2a.StatusFailed
		msg.FailureReason = a2a.ReasonDeliveryFailure
		msg.RetryAt = now.Add(b.backoff(msg.RetryCount))
		if ferr := b.rewriteAndRelocate(ctx, msg, path, b.layout.Failed()+"/"+name); ferr != nil {
			b.cfg.Logger.Printf("broker fail-marking failed message_id=%s err=%v", msg.MessageID, ferr)
		}
		return
	}
	if err := b.vault.Delete(ctx, path); err != nil && !errors.Is(err, vault.ErrNotFound) {
		b.cfg.Logger.Printf("broker processing cleanup failed message_id=%s err=%v", msg.MessageID, err)
	}
	b.metrics.Delivered.Inc()
}

// fanOut turns one broadcast record into independent per-recipient copies.
// Each copy has its own id (and so its own retry budget) and carries the
// original broadcast id as correlation so recipients can dedup; copies are
// signed by the broker since their routing fields differ from the original's.
// Only currently-online agents receive a copy; the sender is excluded.
func (b *Broker) fanOut(ctx context.Context, msg *a2a.Message, path, name string, now time.Time) error {
	recs, err := b.registry.All(ctx)
	if err != nil {
		return err
	}
	copies := 0
	for i := range recs {
		if recs[i].AgentID == msg.From {
			continue
		}
		online, err := b.registry.IsOnline(ctx, recs[i].AgentID)
		if err != nil || !online {
			continue
		}
		cp := *msg
		cp.MessageID = a2a.NewMessageID(now)
		cp.CorrelationID = msg.MessageID
		cp.To = recs[i].AgentID
		cp.Status = a2a.StatusPending
		cp.RetryCount = 0
		cp.Signature = b.signer.Sign(&cp)
		record, err := a2a.Encode(&cp)
		if err != nil {
			return err
		}
		dst := b.layout.MessageRecord(b.layout.Pending(), cp.MessageID)
		if err := b.vault.Write(ctx, dst, record); err != nil {
			return fmt.Errorf("write fan-out copy for %s: %w", recs[i].AgentID, err)
		}
		copies++
		b.metrics.FanoutCopies.Inc()
	}
	b.cfg.Logger.Printf("broker broadcast fan-out message_id=%s copies=%d", msg.MessageID, copies)

	msg.Status = a2a.StatusCompleted
	return b.rewriteAndRelocate(ctx, msg, path, b.layout.Completed()+"/"+name)
}

// retry returns failed records with remaining budget to Pending once their
// backoff delay has passed. Expired records never retry.
func (b *Broker) retry(ctx context.Context, now time.Time) error {
	names, err := b.vault.List(ctx, b.layout.Failed())
	if err != nil {
		return err
	}
	for _, name := range names {
		path := b.layout.Failed() + "/" + name
		msg, err := b.readMessage(ctx, path)
		if err != nil {
			continue
		}
		if msg.FailureReason == a2a.ReasonExpired {
			continue
		}
		if msg.RetryCount >= msg.MaxRetries {
			continue // dead-letter step takes it
		}
		if now.Before(msg.RetryAt) {
			continue
		}
		msg.RetryCount++
		msg.Status = a2a.StatusPending
		msg.FailureReason = ""
		msg.RetryAt = time.Time{}
		if err := b.rewriteAndRelocate(ctx, msg, path, b.layout.Pending()+"/"+name); err != nil {
			return err
		}
		b.metrics.Retried.Inc()
		b.cfg.Logger.Printf("broker retry message_id=%s retry_count=%d/%d",
			msg.MessageID, msg.RetryCount, msg.MaxRetries)
	}
	return nil
}

// deadLetter permanently parks failed records that exhausted their retries,
// plus expired ones past their observation window.
func (b *Broker) deadLetter(ctx context.Context, now time.Time) error {
	names, err := b.vault.List(ctx, b.layout.Failed())
	if err != nil {
		return err
	}
	for _, name := range names {
		path := b.layout.Failed() + "/" + name
		msg, err := b.readMessage(ctx, path)
		if err != nil {
			continue
		}
		exhausted := msg.RetryCount >= msg.MaxRetries
		expiredDone := msg.FailureReason == a2a.ReasonExpired && !now.Before(msg.RetryAt)
		if !exhausted && !expiredDone {
			continue
		}
		msg.Status = a2a.StatusDeadLetter
		msg.RetryAt = time.Time{}
		if err := b.rewriteAndRelocate(ctx, msg, path, b.layout.DeadLetter()+"/"+name); err != nil {
			return err
		}
		b.metrics.DeadLettered.Inc()
		b.cfg.Logger.Printf("broker dead-letter message_id=%s to=%s reason=%s retry_count=%d",
			msg.MessageID, msg.To, msg.FailureReason, msg.RetryCount)
	}
	return nil
}

// Cleanup deletes terminal records older than the retention window. It never
// touches pending or processing records regardless of age.
func (b *Broker) Cleanup(ctx context.Context) (int, error) {
	cutoff := b.now().AddDate(0, 0, -b.cfg.RetentionDays)
	removed := 0
	for _, area := range []string{b.layout.Completed(), b.layout.DeadLetter()} {
		names, err := b.vault.List(ctx, area)
		if err != nil {
			return removed, err
		}
		for _, name := range names {
			path := area + "/" + name
			msg, err := b.readMessage(ctx, path)
			if err != nil || msg.CreatedAt.After(cutoff) {
				continue
			}
			if err := b.vault.Delete(ctx, path); err == nil {
				removed++
				b.metrics.CleanupDeleted.Inc()
			}
		}
	}
	if removed > 0 {
		b.cfg.Logger.Printf("broker cleanup removed=%d retention_days=%d", removed, b.cfg.RetentionDays)
	}
	return removed, nil
}

func (b *Broker) backoff(retryCount int) time.Duration {
	d := b.cfg.RetryBase
	for i := 0; i < retryCount; i++ {
		d *= 2
		if d >= b.cfg.RetryCap {
			return b.cfg.RetryCap
		}
	}
	return d
}

func (b *Broker) readMessage(ctx context.Context, path string) (*a2a.Message, error) {
	data, err := b.vault.Read(ctx, path)
	if err != nil {
		return nil, err
	}
	return a2a.Decode(data)
}

// rewriteAndRelocate publishes the updated record at dst and removes src.
// Written first so a crash between the two leaves a duplicate, never a loss;
// the duplicate is reprocessed idempotently next cycle.
func (b *Broker) rewriteAndRelocate(ctx context.Context, msg *a2a.Message, src, dst string) error {
	record, err := a2a.Encode(msg)
	if err != nil {
		return err
	}
	if err := b.vault.Write(ctx, dst, record); err != nil {
		return err
	}
	if err := b.vault.Delete(ctx, src); err != nil && !errors.Is(err, vault.ErrNotFound) {
		return err
	}
	return nil
}
