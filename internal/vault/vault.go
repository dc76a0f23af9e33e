// Package vault is the shared durable store every agent coordinates through.
// Records live at slash-separated paths in a shallow hierarchy; the one
// concurrency primitive is Move, an atomic conditional relocation that
// succeeds only if the record is still at its source. Everything above this
// package (claims, delivery, retries) is built out of that single primitive.
package vault

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a record is absent from the given path. For
// Move this is the losing side of a relocation race, an expected outcome.
var ErrNotFound = errors.New("vault: record not found")

type Vault interface {
	Read(ctx context.Context, path string) ([]byte, error)
	// Write publishes a record atomically: readers see either the old bytes
	// or the new bytes, never a partial write.
	Write(ctx context.Context, path string, data []byte) error
	// List returns the names of the direct children of dir, sorted. A missing
	// dir lists as empty, not as an error.
	List(ctx context.Context, dir string) ([]string, error)
	// Move relocates src to dst atomically, failing with ErrNotFound if src
	// is no longer present. Success means this caller owned the relocation.
	Move(ctx context.Context, src, dst string) error
	Delete(ctx context.Context, path string) error
	Exists(ctx context.Context, path string) (bool, error)
}

// Shared store areas. Names are part of the on-disk contract shared by every
// deployment, so they are spelled exactly, underscores included.
const (
	dirOutbox     = "Outbox"
	dirInbox      = "Inbox"
	dirPending    = "Pending"
	dirProcessing = "Processing"
	dirCompleted  = "Completed"
	dirFailed     = "Failed"
	dirDeadLetter = "Dead_Letter"
	dirClaims     = "Claims"
	dirRegistry   = "registry"
	secretPath    = "secret"
)

// Layout maps logical areas to vault paths.
type Layout struct{}

func (Layout) Outbox(agentID string) string { return dirOutbox + "/" + agentID }
func (Layout) Inbox(agentID string) string  { return dirInbox + "/" + agentID }
func (Layout) OutboxRoot() string           { return dirOutbox }
func (Layout) Pending() string              { return dirPending }
func (Layout) Processing() string           { return dirProcessing }
func (Layout) Completed() string            { return dirCompleted }
func (Layout) Failed() string               { return dirFailed }
func (Layout) DeadLetter() string           { return dirDeadLetter }
func (Layout) Claims(agentID string) string { return dirClaims + "/" + agentID }
func (Layout) ClaimsRoot() string           { return dirClaims }
func (Layout) RegistryDir() string          { return dirRegistry }
func (Layout) AgentRecord(agentID string) string {
	return dirRegistry + "/" + agentID + ".json"
}
func (Layout) Secret() string { return secretPath }

// MessageRecord names a message file inside an area directory.
func (Layout) MessageRecord(dir, messageID string) string {
	return dir + "/" + messageID + ".md"
}
