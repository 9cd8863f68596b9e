// Package secrets implements C2's secret-at-rest half: secrets stored per
// owner, each encrypted with AES-256-GCM under a key HKDF-derived from a
// root master key and a random per-entry salt (the owner is not an input
// to the derivation), and an audit trail of every access. Grounded on the
// teacher's infrastructure/secrets/manager.go (AES-GCM Seal/Open,
// master-key normalization) generalized to HKDF derivation so a single
// root key never directly encrypts user data.
package secrets

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"time"

	"golang.org/x/crypto/hkdf"

	"github.com/R3E-Network/r3e-faas-sub003/internal/errs"
	"github.com/R3E-Network/r3e-faas-sub003/internal/model"
	"github.com/R3E-Network/r3e-faas-sub003/internal/store"
)

// AuditEntry records one access attempt, mirroring the teacher's
// secretssupabase.AuditLog shape.
type AuditEntry struct {
	Owner     string
	Name      string
	Action    string
	Success   bool
	Error     string
	Timestamp time.Time
}

// AuditSink receives access-audit entries; the caller wires this into C8.
type AuditSink interface {
	Record(ctx context.Context, entry AuditEntry)
}

// Manager implements per-owner secret encryption backed by the C1 store.
type Manager struct {
	st        *store.Store
	masterKey []byte
	audit     AuditSink
}

// NewManager validates and normalizes rawKey (32 raw bytes or 64 hex
// characters) and returns a Manager.
func NewManager(st *store.Store, rawKey []byte, audit AuditSink) (*Manager, error) {
	key, err := normalizeMasterKey(rawKey)
	if err != nil {
		return nil, err
	}
	return &Manager{st: st, masterKey: key, audit: audit}, nil
}

// Put encrypts plaintext under a key derived from the master key and a
// fresh random salt (stored as KDFParams), and persists the SecretEntry
// under (owner, name). The owner is not an input to the key derivation.
func (m *Manager) Put(ctx context.Context, owner, name, plaintext string) error {
	if owner == "" || name == "" {
		return fmt.Errorf("secrets: owner and name required")
	}

	aead, salt, err := m.ownerAEAD(owner)
	if err != nil {
		return err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return err
	}
	ciphertext := aead.Seal(nonce, nonce, []byte(plaintext), nil)

	entry := model.SecretEntry{
		Owner:      owner,
		Name:       name,
		Ciphertext: ciphertext,
		KDFParams:  hex.EncodeToString(salt),
		CreatedAt:  time.Now().UTC(),
	}
	return m.st.Put(store.TableSecrets, secretKey(owner, name), encodeSecretEntry(entry))
}

// Get decrypts and returns the plaintext secret. The spec requires this
// only ever be reached through the sandbox host binding (internal/sandbox),
// never an external API. serviceID names the calling function/service; it
// is not recorded in the AuditEntry.
func (m *Manager) Get(ctx context.Context, owner, name, serviceID string) (string, error) {
	if owner == "" || name == "" {
		return "", fmt.Errorf("secrets: owner and name required")
	}

	raw, ok, err := m.st.Get(store.TableSecrets, secretKey(owner, name))
	if err != nil {
		m.recordAudit(ctx, owner, name, false, err)
		return "", err
	}
	if !ok {
		m.recordAudit(ctx, owner, name, false, errs.ErrNotFound)
		return "", errs.ErrNotFound
	}

	entry, err := decodeSecretEntry(raw)
	if err != nil {
		m.recordAudit(ctx, owner, name, false, err)
		return "", err
	}

	salt, err := hex.DecodeString(entry.KDFParams)
	if err != nil {
		m.recordAudit(ctx, owner, name, false, err)
		return "", err
	}

	aead, err := m.aeadForSalt(salt)
	if err != nil {
		m.recordAudit(ctx, owner, name, false, err)
		return "", err
	}

	nonceSize := aead.NonceSize()
	if len(entry.Ciphertext) < nonceSize {
		m.recordAudit(ctx, owner, name, false, errs.ErrInvalidCiphertext)
		return "", errs.ErrInvalidCiphertext
	}
	nonce, ct := entry.Ciphertext[:nonceSize], entry.Ciphertext[nonceSize:]

	plain, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		m.recordAudit(ctx, owner, name, false, errs.ErrInvalidCiphertext)
		return "", errs.ErrInvalidCiphertext
	}

	m.recordAudit(ctx, owner, name, true, nil)
	return string(plain), nil
}

// Rotate re-encrypts name under a fresh salt. It does not set RotatedFrom
// on the new entry.
func (m *Manager) Rotate(ctx context.Context, owner, name string) error {
	plain, err := m.Get(ctx, owner, name, "secrets-rotation")
	if err != nil {
		return err
	}
	return m.Put(ctx, owner, name, plain)
}

func (m *Manager) ownerAEAD(owner string) (cipher.AEAD, []byte, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, nil, err
	}
	aead, err := m.aeadForSalt(salt)
	return aead, salt, err
}

func (m *Manager) aeadForSalt(salt []byte) (cipher.AEAD, error) {
	derived := make([]byte, 32)
	kdf := hkdf.New(sha256.New, m.masterKey, salt, []byte("r3e-faas-sub003/secrets"))
	if _, err := io.ReadFull(kdf, derived); err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func (m *Manager) recordAudit(ctx context.Context, owner, name string, success bool, err error) {
	if m.audit == nil {
		return
	}
	entry := AuditEntry{Owner: owner, Name: name, Action: "access", Success: success, Timestamp: time.Now().UTC()}
	if err != nil {
		entry.Error = err.Error()
	}
	m.audit.Record(ctx, entry)
}

func secretKey(owner, name string) string {
	return owner + "/" + name
}

func normalizeMasterKey(raw []byte) ([]byte, error) {
	trimmed := strings.TrimSpace(string(raw))
	trimmed = strings.TrimPrefix(strings.TrimPrefix(trimmed, "0x"), "0X")
	if trimmed == "" {
		return nil, fmt.Errorf("secrets: master key is required")
	}
	if decoded, err := hex.DecodeString(trimmed); err == nil && len(decoded) == 32 {
		return decoded, nil
	}
	if len(trimmed) == 32 {
		return []byte(trimmed), nil
	}
	return nil, fmt.Errorf("secrets: master key must be 32 bytes (or 64 hex chars)")
}
