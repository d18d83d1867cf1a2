package mcrypto

import "context"

// Signer is the producing counterpart to [PubKey].
// Production deployments are expected to delegate to an external
// signing service; tests use in-process ed25519 signers.
type Signer interface {
	PubKey() PubKey

	Sign(ctx context.Context, input []byte) ([]byte, error)
}
