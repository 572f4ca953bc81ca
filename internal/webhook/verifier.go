// Package webhook authenticates inbound channel notifications: the signed
// external-events callback and Lark's event subscription requests.
package webhook

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// ErrInvalidSignature is returned for notifications that fail authentication
var ErrInvalidSignature = errors.New("invalid signature")

// Config holds the secrets used to authenticate notifications
type Config struct {
	Secret      string        // HMAC key of the external-events callback
	Tolerance   time.Duration // accepted clock skew of signed timestamps
	VerifyToken string        // Lark verification token
	EncryptKey  string        // Lark encrypt key; empty disables Lark signatures
}

// Verifier handles webhook verification
type Verifier struct {
	config Config
	clock  func() time.Time
	logger *zap.Logger
}

// NewVerifier creates a new webhook verifier
func NewVerifier(config Config, clock func() time.Time, logger *zap.Logger) *Verifier {
	if config.Tolerance <= 0 {
		config.Tolerance = 5 * time.Minute
	}
	if clock == nil {
		clock = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Verifier{config: config, clock: clock, logger: logger}
}

// Sign computes the signature of an external status notification: hex
// HMAC-SHA256 over "v1:<unix seconds>:<reference>:<status>".
func Sign(secret string, ts time.Time, ref, status string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte("v1:" + strconv.FormatInt(ts.Unix(), 10) + ":" + ref + ":" + status))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyExternal checks the signature and freshness of an external notification
func (v *Verifier) VerifyExternal(ts time.Time, ref, status, signature string) error {
	if v.config.Secret == "" {
		return fmt.Errorf("%w: no webhook secret configured", ErrInvalidSignature)
	}
	if ts.IsZero() {
		return fmt.Errorf("%w: timestamp is required", ErrInvalidSignature)
	}

	skew := v.clock().Sub(ts)
	if skew < 0 {
		skew = -skew
	}
	if skew > v.config.Tolerance {
		return fmt.Errorf("%w: timestamp outside tolerance", ErrInvalidSignature)
	}

	got, err := hex.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("%w: malformed signature", ErrInvalidSignature)
	}
	want, _ := hex.DecodeString(Sign(v.config.Secret, ts, ref, status))
	if !hmac.Equal(got, want) {
		v.logger.Warn("External notification signature mismatch", zap.String("reference", ref))
		return ErrInvalidSignature
	}
	return nil
}

// VerifyChallenge answers Lark's url_verification handshake. ok is false
// when body is not a challenge.
func (v *Verifier) VerifyChallenge(body []byte) (challenge string, ok bool, err error) {
	var req struct {
		Challenge string `json:"challenge"`
		Token     string `json:"token"`
		Type      string `json:"type"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return "", false, fmt.Errorf("failed to unmarshal challenge: %w", err)
	}
	if req.Type != "url_verification" {
		return "", false, nil
	}
	if v.config.VerifyToken != "" && req.Token != v.config.VerifyToken {
		return "", true, fmt.Errorf("%w: verification token mismatch", ErrInvalidSignature)
	}
	return req.Challenge, true, nil
}

// VerifyLarkSignature checks X-Lark-Signature: hex SHA256 over
// timestamp + nonce + encrypt key + body
func (v *Verifier) VerifyLarkSignature(timestamp, nonce, signature string, body []byte) bool {
	if v.config.EncryptKey == "" {
		return true
	}
	hash := sha256.Sum256([]byte(timestamp + nonce + v.config.EncryptKey + string(body)))
	return hmac.Equal([]byte(hex.EncodeToString(hash[:])), []byte(signature))
}

// Decrypt unwraps a {"encrypt": "..."} body. Bodies without the envelope are
// returned unchanged.
func (v *Verifier) Decrypt(body []byte) ([]byte, error) {
	var envelope struct {
		Encrypt string `json:"encrypt"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil || envelope.Encrypt == "" {
		return body, nil
	}
	if v.config.EncryptKey == "" {
		return nil, fmt.Errorf("encrypted event received but no encrypt key configured")
	}
	return DecryptData(v.config.EncryptKey, envelope.Encrypt)
}

// DecryptData reverses Lark's AES-256-CBC event encryption. The key is the
// SHA256 of the encrypt key and the IV prefixes the ciphertext.
func DecryptData(encryptKey, encrypted string) ([]byte, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(encrypted)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64: %w", err)
	}

	key := sha256.Sum256([]byte(encryptKey))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	if len(ciphertext) < 2*aes.BlockSize || len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("ciphertext has invalid length")
	}

	iv := ciphertext[:aes.BlockSize]
	ciphertext = ciphertext[aes.BlockSize:]

	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)
	return removePKCS7Padding(plaintext), nil
}

// removePKCS7Padding removes PKCS7 padding
func removePKCS7Padding(data []byte) []byte {
	if len(data) == 0 {
		return data
	}

	padding := int(data[len(data)-1])
	if padding == 0 || padding > len(data) || padding > aes.BlockSize {
		return data
	}

	return data[:len(data)-padding]
}
