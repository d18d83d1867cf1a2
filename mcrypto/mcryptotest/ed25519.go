package mcryptotest

import (
	"crypto/ed25519"
	"crypto/sha256"
	"fmt"
	"sync"

	"github.com/meridian-engine/meridian/mcrypto"
)

var (
	muSigners sync.Mutex

	// Elements never modified once written.
	generatedSigners []mcrypto.Ed25519Signer
)

// DeterministicEd25519Signers returns a deterministic slice of
// n ed25519 signers.
//
// Deterministic keys ease debugging because logged addresses
// remain stable across runs; the signers are also cached,
// so repeated calls cost nothing beyond the first.
func DeterministicEd25519Signers(n int) []mcrypto.Ed25519Signer {
	muSigners.Lock()
	defer muSigners.Unlock()

	for i := len(generatedSigners); i < n; i++ {
		seed := sha256.Sum256([]byte(fmt.Sprintf("meridian-ed25519-%d", i)))
		priv := ed25519.NewKeyFromSeed(seed[:])
		generatedSigners = append(generatedSigners, mcrypto.NewEd25519Signer(priv))
	}

	out := make([]mcrypto.Ed25519Signer, n)
	copy(out, generatedSigners[:n])
	return out
}
