package security

import (
	"github.com/pquerna/otp/totp"
	"golang.org/x/crypto/bcrypt"
)

// TOTP validates time-based one-time codes and backup codes. It
// implements the ledger's OTPValidator contract.
type TOTP struct{}

func NewTOTP() *TOTP { return &TOTP{} }

// VerifyTOTP checks the 6-digit code against the shared secret with
// the standard 30s step and one step of clock skew.
func (TOTP) VerifyTOTP(secret, code string) bool {
	if secret == "" || code == "" {
		return false
	}
	return totp.Validate(code, secret)
}

// MatchBackupCode compares a candidate against a stored bcrypt hash.
func (TOTP) MatchBackupCode(code, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(code)) == nil
}

// GenerateSecret mints a fresh base32 TOTP secret for enrollment.
func GenerateSecret(issuer, accountName string) (string, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      issuer,
		AccountName: accountName,
	})
	if err != nil {
		return "", err
	}
	return key.Secret(), nil
}
