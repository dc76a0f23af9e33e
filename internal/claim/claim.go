// Package claim implements claim-by-move: owning a work item means having
// atomically relocated it out of its shared area into the claimant's private
// area. There is no separate lock step, so there is nothing to leak or forget
// to release; losing the relocation race is the expected outcome for all but
// one claimant.
package claim

import (
	"context"
	"errors"
	"path"

	"github.com/joelkehle/agentvault/internal/vault"
)

type Manager struct {
	vault  vault.Vault
	layout vault.Layout
}

func NewManager(v vault.Vault) *Manager {
	return &Manager{vault: v}
}

// TryClaim attempts to relocate item from its shared location into the
// claimant's private area. ok=false means another agent already owns it; the
// caller must skip the item, never retry it.
//
// Before moving, TryClaim checks the item is not already under any other
// agent's private area. A plain move would miss the window where a previous
// winner has relocated the item but not yet processed it while a copy of the
// same name reappears at the source; this check is mandatory, not an
// optimization.
func (m *Manager) TryClaim(ctx context.Context, item, agentID string) (string, bool, error) {
	base := path.Base(item)

	holders, err := m.vault.List(ctx, m.layout.ClaimsRoot())
	if err != nil {
		return "", false, err
	}
	for _, holder := range holders {
		if holder == agentID {
			continue
		}
		held, err := m.vault.Exists(ctx, m.layout.Claims(holder)+"/"+base)
		if err != nil {
			return "", false, err
		}
		if held {
			return "", false, nil
		}
	}

	claimed := m.layout.Claims(agentID) + "/" + base
	if err := m.vault.Move(ctx, item, claimed); err != nil {
		if errors.Is(err, vault.ErrNotFound) {
			return "", false, nil
		}
		return "", false, err
	}
	return claimed, true, nil
}

// Release relocates a claimed item to its next-stage location, retiring the
// claim in the same motion.
func (m *Manager) Release(ctx context.Context, claimed, destination string) error {
	return m.vault.Move(ctx, claimed, destination)
}
