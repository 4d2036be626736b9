// Package voting signs and submits votes: EIP-712 envelopes for the
// Snapshot sequencer on the EOA path, relayed Safe transactions on the
// Safe path.
package voting

import (
	"crypto/ecdsa"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Identity is the process's signing key. Exactly one identity exists
// per process; it is loaded once at startup from the configured env var.
type Identity struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewIdentity parses a hex-encoded secp256k1 private key, with or
// without 0x prefix.
func NewIdentity(hexKey string) (*Identity, error) {
	k := strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if k == "" {
		return nil, fmt.Errorf("private key is empty")
	}
	key, err := crypto.HexToECDSA(k)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return &Identity{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
	}, nil
}

func (id *Identity) Address() common.Address { return id.address }

// SignDigest produces a 65-byte recoverable signature over a 32-byte
// digest, with V adjusted to the 27/28 convention verifiers expect.
func (id *Identity) SignDigest(digest []byte) ([]byte, error) {
	sig, err := crypto.Sign(digest, id.key)
	if err != nil {
		return nil, err
	}
	sig[64] += 27
	return sig, nil
}
