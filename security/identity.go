package security

import (
	"context"

	"golang.org/x/crypto/bcrypt"
)

// Identity bundles the services the account-opening path needs:
// password hashing, TOTP secret generation, field encryption and CPF
// tokenization. It implements the ledger's IdentityService contract.
type Identity struct {
	crypto *Crypto
	vault  *Vault
	issuer string
	cost   int
}

func NewIdentity(crypto *Crypto, vault *Vault, issuer string) *Identity {
	return &Identity{crypto: crypto, vault: vault, issuer: issuer, cost: bcrypt.DefaultCost}
}

func (i *Identity) HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), i.cost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func (i *Identity) VerifyPassword(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

func (i *Identity) NewTOTPSecret() (string, error) {
	return GenerateSecret(i.issuer, "account")
}

func (i *Identity) EncryptField(plaintext string) (string, error) {
	return i.crypto.Encrypt(plaintext)
}

func (i *Identity) TokenizeCPF(ctx context.Context, cpf, last4 string) (string, error) {
	return i.vault.Tokenize(ctx, cpf, last4)
}
