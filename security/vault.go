package security

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"

	"github.com/google/uuid"
)

// VaultToken is one vault entry: an opaque token standing in for the
// encrypted value it references.
type VaultToken struct {
	Token       string
	Fingerprint string // SHA-256 of the plaintext; dedupe index
	Ciphertext  string
	Last4       string
}

// TokenStore is the persistence the vault needs. Implemented by the
// datastore packages and by MemoryTokenStore below.
type TokenStore interface {
	// TokenByFingerprint returns the existing entry, or nil.
	TokenByFingerprint(ctx context.Context, fingerprint string) (*VaultToken, error)
	// InsertToken persists a new entry.
	InsertToken(ctx context.Context, t VaultToken) error
	// TokenByValue resolves a token back to its entry, or nil.
	TokenByValue(ctx context.Context, token string) (*VaultToken, error)
}

// Vault swaps sensitive values for opaque tokens. Tokenizing the same
// value twice returns the same token; detokenizing requires the
// envelope key held by Crypto.
type Vault struct {
	store  TokenStore
	crypto *Crypto
}

func NewVault(store TokenStore, crypto *Crypto) *Vault {
	return &Vault{store: store, crypto: crypto}
}

// Tokenize stores the encrypted value and returns its token. Repeat
// calls with the same plaintext are idempotent.
func (v *Vault) Tokenize(ctx context.Context, plaintext, last4 string) (string, error) {
	fp := fingerprint(plaintext)
	if existing, err := v.store.TokenByFingerprint(ctx, fp); err != nil {
		return "", err
	} else if existing != nil {
		return existing.Token, nil
	}

	ciphertext, err := v.crypto.Encrypt(plaintext)
	if err != nil {
		return "", err
	}
	entry := VaultToken{
		Token:       "tok_" + uuid.NewString(),
		Fingerprint: fp,
		Ciphertext:  ciphertext,
		Last4:       last4,
	}
	if err := v.store.InsertToken(ctx, entry); err != nil {
		// Lost a race to another tokenizer; the winner's entry stands.
		if existing, lookupErr := v.store.TokenByFingerprint(ctx, fp); lookupErr == nil && existing != nil {
			return existing.Token, nil
		}
		return "", err
	}
	return entry.Token, nil
}

// Detokenize resolves a token back to the plaintext. Returns "" for
// unknown tokens.
func (v *Vault) Detokenize(ctx context.Context, token string) (string, error) {
	entry, err := v.store.TokenByValue(ctx, token)
	if err != nil {
		return "", err
	}
	if entry == nil {
		return "", nil
	}
	return v.crypto.Decrypt(entry.Ciphertext)
}

func fingerprint(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

// =============================================================================
// MEMORY TOKEN STORE
// =============================================================================

// MemoryTokenStore backs the vault in tests and local development.
type MemoryTokenStore struct {
	mu            sync.Mutex
	byFingerprint map[string]VaultToken
	byToken       map[string]VaultToken
}

func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{
		byFingerprint: make(map[string]VaultToken),
		byToken:       make(map[string]VaultToken),
	}
}

func (s *MemoryTokenStore) TokenByFingerprint(_ context.Context, fp string) (*VaultToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.byFingerprint[fp]; ok {
		return &t, nil
	}
	return nil, nil
}

func (s *MemoryTokenStore) InsertToken(_ context.Context, t VaultToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byFingerprint[t.Fingerprint] = t
	s.byToken[t.Token] = t
	return nil
}

func (s *MemoryTokenStore) TokenByValue(_ context.Context, token string) (*VaultToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.byToken[token]; ok {
		return &t, nil
	}
	return nil, nil
}
