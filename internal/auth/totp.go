package auth

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	qrcode "github.com/skip2/go-qrcode"
)

// TOTPManager handles TOTP secret generation, encryption at rest, otpauth
// provisioning URIs, and code validation.
type TOTPManager struct {
	encryptionKey []byte // 32-byte AES-256 key
	issuer        string
	digits        otp.Digits
	period        uint
}

// NewTOTPManager creates a new TOTP manager.
// encryptionKey must be exactly 32 bytes for AES-256.
func NewTOTPManager(encryptionKey []byte, issuer string, digits int, period uint) (*TOTPManager, error) {
	if len(encryptionKey) != 32 {
		return nil, fmt.Errorf("encryption key must be exactly 32 bytes, got %d", len(encryptionKey))
	}
	if issuer == "" {
		return nil, fmt.Errorf("issuer is required")
	}

	d := otp.DigitsSix
	if digits == 8 {
		d = otp.DigitsEight
	}
	if period == 0 {
		period = 30
	}

	return &TOTPManager{
		encryptionKey: encryptionKey,
		issuer:        issuer,
		digits:        d,
		period:        period,
	}, nil
}

// Issuer returns the configured issuer name.
func (tm *TOTPManager) Issuer() string {
	return tm.issuer
}

// Digits returns the configured code length.
func (tm *TOTPManager) Digits() int {
	if tm.digits == otp.DigitsEight {
		return 8
	}
	return 6
}

// GenerateSecret creates a new base32 TOTP secret bound to an account name.
func (tm *TOTPManager) GenerateSecret(accountName string) (string, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      tm.issuer,
		AccountName: accountName,
		SecretSize:  20, // RFC 4226 recommendation
		Period:      tm.period,
		Digits:      tm.digits,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return "", fmt.Errorf("failed to generate TOTP secret: %w", err)
	}

	return key.Secret(), nil
}

// ProvisioningURI builds the otpauth URI encoded into the enrollment QR code.
// Label format is "{issuer}: {username}" with secret, digits and issuer query
// parameters.
func (tm *TOTPManager) ProvisioningURI(secret, username string) string {
	label := url.PathEscape(fmt.Sprintf("%s: %s", tm.issuer, username))

	query := url.Values{}
	query.Set("secret", secret)
	query.Set("digits", fmt.Sprintf("%d", tm.Digits()))
	query.Set("issuer", tm.issuer)

	return fmt.Sprintf("otpauth://totp/%s?%s", label, query.Encode())
}

// QRCodePNG renders a provisioning URI as a PNG image.
func (tm *TOTPManager) QRCodePNG(uri string, size int) ([]byte, error) {
	qr, err := qrcode.New(uri, qrcode.Medium)
	if err != nil {
		return nil, fmt.Errorf("failed to create QR code: %w", err)
	}

	png, err := qr.PNG(size)
	if err != nil {
		return nil, fmt.Errorf("failed to encode QR code: %w", err)
	}

	return png, nil
}

// EncryptSecret encrypts a TOTP secret using AES-256-GCM.
// Returns: (encryptedBytes, nonce, error)
func (tm *TOTPManager) EncryptSecret(secret string) ([]byte, []byte, error) {
	block, err := aes.NewCipher(tm.encryptionKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nil, nonce, []byte(secret), nil)

	return ciphertext, nonce, nil
}

// DecryptSecret decrypts an encrypted TOTP secret.
func (tm *TOTPManager) DecryptSecret(encrypted, nonce []byte) (string, error) {
	block, err := aes.NewCipher(tm.encryptionKey)
	if err != nil {
		return "", fmt.Errorf("failed to create AES cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM: %w", err)
	}

	plaintext, err := gcm.Open(nil, nonce, encrypted, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt secret: %w", err)
	}

	return string(plaintext), nil
}

// ValidateCode validates a TOTP code against a secret.
// Allows ±1 time step for clock drift. lastUsedAt implements replay
// prevention: a code accepted within the current validity window cannot be
// accepted again.
func (tm *TOTPManager) ValidateCode(secret, code string, lastUsedAt *time.Time) (bool, error) {
	opts := totp.ValidateOpts{
		Period:    tm.period,
		Skew:      1,
		Digits:    tm.digits,
		Algorithm: otp.AlgorithmSHA1,
	}

	valid, err := totp.ValidateCustom(code, secret, time.Now(), opts)
	if err != nil {
		return false, fmt.Errorf("failed to validate TOTP: %w", err)
	}

	if !valid {
		return false, nil
	}

	if lastUsedAt != nil {
		// The same code stays valid for period*(1+2*skew) seconds; any
		// acceptance inside that window is a replay.
		replayWindow := time.Duration(tm.period*3) * time.Second
		if time.Since(*lastUsedAt) < replayWindow {
			return false, fmt.Errorf("code replay detected")
		}
	}

	return true, nil
}

// Static token charset: A-Z 2-9 excluding ambiguous characters (0/O, 1/I/L).
const staticTokenCharset = "23456789ABCDEFGHJKMNPQRSTUVWXYZ"

// StaticTokenLength is the length of generated backup tokens.
const StaticTokenLength = 8

// GenerateStaticTokens generates count random single-use backup tokens.
func (tm *TOTPManager) GenerateStaticTokens(count int) ([]string, error) {
	tokens := make([]string, count)
	for i := 0; i < count; i++ {
		token := make([]byte, StaticTokenLength)
		randBytes := make([]byte, StaticTokenLength)
		if _, err := io.ReadFull(rand.Reader, randBytes); err != nil {
			return nil, fmt.Errorf("failed to generate random bytes: %w", err)
		}
		for j := range token {
			token[j] = staticTokenCharset[int(randBytes[j])%len(staticTokenCharset)]
		}
		tokens[i] = string(token)
	}

	return tokens, nil
}
