package vault

import (
	"bytes"
	"context"
	"fmt"
)

// LoadSecret reads the deployment's shared signing key from the vault. The
// key is provisioned out-of-band and never transmitted; every agent of one
// deployment reads the same record.
func LoadSecret(ctx context.Context, v Vault) ([]byte, error) {
	var layout Layout
	data, err := v.Read(ctx, layout.Secret())
	if err != nil {
		return nil, fmt.Errorf("read signing secret: %w", err)
	}
	secret := bytes.TrimSpace(data)
	if len(secret) == 0 {
		return nil, fmt.Errorf("signing secret is empty")
	}
	return secret, nil
}
