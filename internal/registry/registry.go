// Package registry tracks agent identity, declared capabilities, and liveness.
// Liveness is never stored: an agent's status is derived from how long ago its
// last heartbeat landed, so a crashed agent goes stale on its own and the
// record survives for audit history until an explicit unregister.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/joelkehle/agentvault/internal/a2a"
	"github.com/joelkehle/agentvault/internal/vault"
)

type Role string

const (
	RoleWatcher   Role = "watcher"
	RoleProcessor Role = "processor"
	RoleMonitor   Role = "monitor"
	RoleAdmin     Role = "admin"
)

type AgentStatus string

const (
	StatusOnline  AgentStatus = "online"
	StatusIdle    AgentStatus = "idle"
	StatusOffline AgentStatus = "offline"
)

// Record is a registry entry as stored in the vault. Status is advisory; it is
// recomputed from LastHeartbeat on every read and only written verbatim at
// registration.
type Record struct {
	AgentID       string    `json:"agent_id"`
	Capabilities  []string  `json:"capabilities"`
	Role          Role      `json:"role"`
	RegisteredAt  time.Time `json:"registered_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	Status        string    `json:"status"`
	Note          string    `json:"note,omitempty"`
}

type Config struct {
	// Timeout is how long after the last heartbeat an agent still counts as
	// online.
	Timeout time.Duration
	// GraceMultiplier widens the window in which a quiet agent is idle rather
	// than offline.
	GraceMultiplier int
	Clock           func() time.Time
}

type Registry struct {
	vault  vault.Vault
	layout vault.Layout
	cfg    Config
}

func New(v vault.Vault, cfg Config) *Registry {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.GraceMultiplier <= 0 {
		cfg.GraceMultiplier = 2
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Registry{vault: v, cfg: cfg}
}

func (r *Registry) now() time.Time {
	return r.cfg.Clock().UTC()
}

// deriveStatus is the single place liveness is decided.
func (r *Registry) deriveStatus(rec *Record, now time.Time) AgentStatus {
	elapsed := now.Sub(rec.LastHeartbeat)
	switch {
	case elapsed < r.cfg.Timeout:
		return StatusOnline
	case elapsed < r.cfg.Timeout*time.Duration(r.cfg.GraceMultiplier):
		return StatusIdle
	default:
		return StatusOffline
	}
}

// Register creates or overwrites the agent's record. Re-registering is
// idempotent and keeps the original registered_at.
func (r *Registry) Register(ctx context.Context, agentID string, capabilities []string, role Role) error {
	if agentID == "" {
		return fmt.Errorf("agent_id is required")
	}
	now := r.now()
	rec := Record{
		AgentID:       agentID,
		Capabilities:  append([]string{}, capabilities...),
		Role:          role,
		RegisteredAt:  now,
		LastHeartbeat: now,
		Status:        string(StatusOnline),
	}
	if existing, err := r.load(ctx, agentID); err == nil {
		rec.RegisteredAt = existing.RegisteredAt
	}
	return r.save(ctx, &rec)
}

// Heartbeat refreshes last_heartbeat. The optional note is free-form agent
// state ("processing", "draining") carried for operators, not for liveness.
func (r *Registry) Heartbeat(ctx context.Context, agentID, note string) error {
	rec, err := r.load(ctx, agentID)
	if err != nil {
		if errors.Is(err, vault.ErrNotFound) {
			return a2a.NewError(a2a.CodeUnknownAgent, "heartbeat for unregistered agent %q", agentID)
		}
		return err
	}
	now := r.now()
	rec.LastHeartbeat = now
	rec.Status = string(r.deriveStatus(rec, now))
	if note != "" {
		rec.Note = note
	}
	return r.save(ctx, rec)
}

// Unregister removes the record. Only clean shutdown calls this; stale agents
// are left in place, marked offline by derivation.
func (r *Registry) Unregister(ctx context.Context, agentID string) error {
	err := r.vault.Delete(ctx, r.layout.AgentRecord(agentID))
	if errors.Is(err, vault.ErrNotFound) {
		return a2a.NewError(a2a.CodeUnknownAgent, "unregister of unregistered agent %q", agentID)
	}
	return err
}

// IsOnline reports liveness strictly: true only while the last heartbeat is
// inside the timeout window. A stale or missing agent is false, not an error.
func (r *Registry) IsOnline(ctx context.Context, agentID string) (bool, error) {
	rec, err := r.load(ctx, agentID)
	if err != nil {
		if errors.Is(err, vault.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return r.deriveStatus(rec, r.now()) == StatusOnline, nil
}

// Get returns the record with status recomputed, or unknown_agent.
func (r *Registry) Get(ctx context.Context, agentID string) (*Record, error) {
	rec, err := r.load(ctx, agentID)
	if err != nil {
		if errors.Is(err, vault.ErrNotFound) {
			return nil, a2a.NewError(a2a.CodeUnknownAgent, "agent %q not registered", agentID)
		}
		return nil, err
	}
	rec.Status = string(r.deriveStatus(rec, r.now()))
	return rec, nil
}

// FindByCapability returns every record declaring the capability, live or not.
// Callers that need only live agents combine this with IsOnline.
func (r *Registry) FindByCapability(ctx context.Context, capability string) ([]Record, error) {
	return r.find(ctx, func(rec *Record) bool {
		for _, c := range rec.Capabilities {
			if c == capability {
				return true
			}
		}
		return false
	})
}

// FindByRole returns every record with the role, live or not.
func (r *Registry) FindByRole(ctx context.Context, role Role) ([]Record, error) {
	return r.find(ctx, func(rec *Record) bool { return rec.Role == role })
}

// All returns every registry record.
func (r *Registry) All(ctx context.Context) ([]Record, error) {
	return r.find(ctx, func(*Record) bool { return true })
}

type Summary struct {
	Total   int
	Online  int
	Idle    int
	Offline int
	ByRole  map[Role]int
}

func (r *Registry) StatusSummary(ctx context.Context) (Summary, error) {
	recs, err := r.All(ctx)
	if err != nil {
		return Summary{}, err
	}
	s := Summary{ByRole: map[Role]int{}}
	for i := range recs {
		s.Total++
		s.ByRole[recs[i].Role]++
		switch AgentStatus(recs[i].Status) {
		case StatusOnline:
			s.Online++
		case StatusIdle:
			s.Idle++
		default:
			s.Offline++
		}
	}
	return s, nil
}

func (r *Registry) find(ctx context.Context, match func(*Record) bool) ([]Record, error) {
	names, err := r.vault.List(ctx, r.layout.RegistryDir())
	if err != nil {
		return nil, err
	}
	now := r.now()
	out := []Record{}
	for _, name := range names {
		data, err := r.vault.Read(ctx, r.layout.RegistryDir()+"/"+name)
		if err != nil {
			if errors.Is(err, vault.ErrNotFound) {
				continue // unregistered between list and read
			}
			return nil, err
		}
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			continue
		}
		rec.Status = string(r.deriveStatus(&rec, now))
		if match(&rec) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out, nil
}

func (r *Registry) load(ctx context.Context, agentID string) (*Record, error) {
	data, err := r.vault.Read(ctx, r.layout.AgentRecord(agentID))
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode registry record %s: %w", agentID, err)
	}
	return &rec, nil
}

func (r *Registry) save(ctx context.Context, rec *Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	return r.vault.Write(ctx, r.layout.AgentRecord(rec.AgentID), data)
}
