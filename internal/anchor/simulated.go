// Package anchor records ownership transfers on the external ledger.
// HTTPClient talks to a ledger gateway; Simulated derives references locally
// for development and tests.
package anchor

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"

	"github.com/pkordes/vehicle-escrow/backend/internal/domain"
)

// transferDomainKey separates transfer references from any other BLAKE3
// keyed hash. It is the ASCII domain name zero-padded to 32 bytes; changing
// it changes every reference.
var transferDomainKey = [32]byte{
	'v', 'e', 'h', 'i', 'c', 'l', 'e', '.', 'o', 'w', 'n', 'e', 'r', 's', 'h', 'i',
	'p', '.', 't', 'r', 'a', 'n', 's', 'f', 'e', 'r', 0, 0, 0, 0, 0, 0,
}

// encMode uses Core Deterministic Encoding so equal payloads always hash
// to the same reference.
var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("anchor: CBOR encoder initialization failed: " + err.Error())
	}
}

// payload is the canonical form of an AnchorRequest. Ids are raw bytes and
// the price is its decimal string, so the encoding does not depend on how
// either type marshals itself.
type payload struct {
	Key        string `cbor:"1,keyasint"`
	VehicleID  []byte `cbor:"2,keyasint"`
	BuyerID    []byte `cbor:"3,keyasint"`
	SellerID   []byte `cbor:"4,keyasint"`
	FinalPrice string `cbor:"5,keyasint"`
}

// Reference computes the simulated ledger reference for req: a hex BLAKE3
// keyed hash of its deterministic CBOR encoding.
func Reference(req domain.AnchorRequest) (string, error) {
	data, err := encMode.Marshal(payload{
		Key:        req.IdempotencyKey,
		VehicleID:  req.VehicleID[:],
		BuyerID:    req.BuyerID[:],
		SellerID:   req.SellerID[:],
		FinalPrice: req.FinalPrice.String(),
	})
	if err != nil {
		return "", fmt.Errorf("anchor.Reference: encode: %w", err)
	}

	hasher, err := blake3.NewKeyed(transferDomainKey[:])
	if err != nil {
		return "", fmt.Errorf("anchor.Reference: %w", err)
	}
	_, _ = hasher.Write(data)
	return "0x" + hex.EncodeToString(hasher.Sum(nil)), nil
}

// Simulated is an in-process ledger. The first call for an idempotency key
// fixes its reference; later calls with that key return it unchanged even if
// the rest of the request differs.
type Simulated struct {
	mu   sync.Mutex
	refs map[string]string
}

// NewSimulated returns an empty Simulated ledger.
func NewSimulated() *Simulated {
	return &Simulated{refs: map[string]string{}}
}

func (s *Simulated) AnchorOwnershipTransfer(ctx context.Context, req domain.AnchorRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if req.IdempotencyKey == "" {
		return "", fmt.Errorf("anchor.Simulated: idempotency key is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if ref, ok := s.refs[req.IdempotencyKey]; ok {
		return ref, nil
	}
	ref, err := Reference(req)
	if err != nil {
		return "", err
	}
	s.refs[req.IdempotencyKey] = ref
	return ref, nil
}
