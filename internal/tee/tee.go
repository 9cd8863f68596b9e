// Package tee implements the key-management half of C2: generate, sign,
// verify, rotate, and delete TEE-bound keys, gated by (principal,
// operation, key policy). There are no encrypt/decrypt operations. Grounded on the teacher's
// system/tee/sys_crypto.go (ecdsa-p256 key generation/sign/verify) and
// system/tee/sys_api.go's SysAPI interface boundary, generalized to a
// standalone KeyStore consumed by the sandbox's `tee` binding.
//
// A production TEE (SGX/Occlum attestation, sealed storage) is explicitly
// out of scope (spec §1 Non-goals); Attestor below is the documented
// interface boundary, with a simulated implementation for tests and local
// development.
package tee

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/R3E-Network/r3e-faas-sub003/internal/errs"
	"github.com/R3E-Network/r3e-faas-sub003/internal/model"
)

// Attestor proves the runtime's TEE identity to an external verifier.
// Production TEE attestation (SGX quote generation/verification) is out of
// scope; Simulated below satisfies the interface for non-hardware
// deployments.
type Attestor interface {
	Attest(ctx context.Context) ([]byte, error)
	Verify(ctx context.Context, report []byte) (bool, error)
}

// Simulated is an Attestor that always succeeds, used for development and
// tests. cmd/executiond selects it regardless of TEE_PROVIDER; no
// hardware-backed Attestor exists in this module.
type Simulated struct{}

func (Simulated) Attest(context.Context) ([]byte, error)        { return []byte("simulated-attestation"), nil }
func (Simulated) Verify(context.Context, []byte) (bool, error) { return true, nil }

type storedKey struct {
	meta       model.KeyMetadata
	privateKey *ecdsa.PrivateKey
}

// KeyStore implements C2's TEE key operations.
type KeyStore struct {
	mu        sync.RWMutex
	attestor  Attestor
	keys      map[string]*storedKey
	overlap   time.Duration
}

// NewKeyStore constructs a KeyStore using the given Attestor (simulated or
// a future hardware-backed implementation) and rotation overlap window.
func NewKeyStore(attestor Attestor, overlap time.Duration) *KeyStore {
	if attestor == nil {
		attestor = Simulated{}
	}
	return &KeyStore{attestor: attestor, keys: make(map[string]*storedKey), overlap: overlap}
}

// GenerateKey creates a new ecdsa-p256 (secp256r1) key within an attestable
// TEE boundary, bound to owner and authorized for the given principals.
func (ks *KeyStore) GenerateKey(ctx context.Context, owner string, authorizedPrincipals []string, policy model.RotationPolicy, ttl time.Duration) (model.KeyMetadata, error) {
	if _, err := ks.attestor.Attest(ctx); err != nil {
		return model.KeyMetadata{}, fmt.Errorf("%w: %v", errs.ErrAttestationFailed, err)
	}

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return model.KeyMetadata{}, err
	}

	now := time.Now().UTC()
	meta := model.KeyMetadata{
		KeyID:                uuid.NewString(),
		Owner:                owner,
		Algorithm:            "ecdsa-p256",
		Created:              now,
		Policy:               policy,
		ExpiresAt:            now.Add(ttl),
		AuthorizedPrincipals: append([]string(nil), authorizedPrincipals...),
	}

	ks.mu.Lock()
	ks.keys[meta.KeyID] = &storedKey{meta: meta, privateKey: priv}
	ks.mu.Unlock()

	return meta, nil
}

// Sign produces a signature over sha256(data) using keyID, enforcing the
// key's usage and expiry policy and the caller's authorization.
func (ks *KeyStore) Sign(ctx context.Context, keyID, principal string, data []byte) ([]byte, error) {
	key, err := ks.checkAndTouch(keyID, principal)
	if err != nil {
		return nil, err
	}

	digest := sha256.Sum256(data)
	r, s, err := ecdsa.Sign(rand.Reader, key.privateKey, digest[:])
	if err != nil {
		return nil, err
	}
	sig := make([]byte, 64)
	r.FillBytes(sig[:32])
	s.FillBytes(sig[32:])
	return sig, nil
}

// Verify checks a signature produced by Sign, without consuming usage
// quota (reads are free; only signing spends usage_count).
func (ks *KeyStore) Verify(keyID string, data, sig []byte) (bool, error) {
	ks.mu.RLock()
	key, ok := ks.keys[keyID]
	ks.mu.RUnlock()
	if !ok {
		return false, errs.ErrNotFound
	}

	if len(sig) < 1 {
		return false, nil
	}
	half := len(sig) / 2
	r := new(big.Int).SetBytes(sig[:half])
	s := new(big.Int).SetBytes(sig[half:])
	digest := sha256.Sum256(data)
	return ecdsa.Verify(&key.privateKey.PublicKey, digest[:], r, s), nil
}

// Rotate generates a new key with identical parameters, records
// rotated_to=new, and sets old.ExpiresAt = now + overlap. Old remains
// usable until expiry, then hard-delete is expected via GC.
func (ks *KeyStore) Rotate(ctx context.Context, oldKeyID string) (model.KeyMetadata, error) {
	ks.mu.Lock()
	old, ok := ks.keys[oldKeyID]
	ks.mu.Unlock()
	if !ok {
		return model.KeyMetadata{}, errs.ErrNotFound
	}

	newMeta, err := ks.GenerateKey(ctx, old.meta.Owner, old.meta.AuthorizedPrincipals, old.meta.Policy, time.Until(old.meta.ExpiresAt)+ks.overlap)
	if err != nil {
		return model.KeyMetadata{}, err
	}

	ks.mu.Lock()
	old.meta.RotatedTo = newMeta.KeyID
	old.meta.ExpiresAt = time.Now().UTC().Add(ks.overlap)
	ks.mu.Unlock()

	return newMeta, nil
}

// Delete hard-removes a key. Callers should only invoke this after
// expiry. GC removes expired keys itself and does not go through Delete.
func (ks *KeyStore) Delete(keyID string) error {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	if _, ok := ks.keys[keyID]; !ok {
		return errs.ErrNotFound
	}
	delete(ks.keys, keyID)
	return nil
}

// GC removes keys that have been expired for longer than grace.
func (ks *KeyStore) GC(grace time.Duration) int {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	now := time.Now().UTC()
	removed := 0
	for id, k := range ks.keys {
		if !k.meta.ExpiresAt.IsZero() && now.After(k.meta.ExpiresAt.Add(grace)) {
			delete(ks.keys, id)
			removed++
		}
	}
	return removed
}

// Metadata returns a copy of the key's metadata.
func (ks *KeyStore) Metadata(keyID string) (model.KeyMetadata, bool) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	k, ok := ks.keys[keyID]
	if !ok {
		return model.KeyMetadata{}, false
	}
	return k.meta, true
}

// checkAndTouch validates policy (expiry, usage, authorization) and, on
// success, increments usage_count.
func (ks *KeyStore) checkAndTouch(keyID, principal string) (*storedKey, error) {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	key, ok := ks.keys[keyID]
	if !ok {
		return nil, errs.ErrNotFound
	}
	if !key.meta.ExpiresAt.IsZero() && time.Now().UTC().After(key.meta.ExpiresAt) {
		return nil, errs.ErrKeyExpired
	}
	if key.meta.Policy.MaxOperations > 0 && key.meta.UsageCount >= key.meta.Policy.MaxOperations {
		return nil, errs.ErrUsageExhausted
	}
	if len(key.meta.AuthorizedPrincipals) > 0 && !contains(key.meta.AuthorizedPrincipals, principal) {
		return nil, errs.ErrPolicyDenied
	}

	key.meta.UsageCount++
	return key, nil
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
