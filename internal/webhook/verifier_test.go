package webhook

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func newVerifier(cfg Config) *Verifier {
	return NewVerifier(cfg, func() time.Time { return now }, nil)
}

func TestVerifyExternal(t *testing.T) {
	v := newVerifier(Config{Secret: "s3cret", Tolerance: time.Minute})
	sig := Sign("s3cret", now, "inst-1", "APPROVED")

	assert.NoError(t, v.VerifyExternal(now, "inst-1", "APPROVED", sig))
	assert.NoError(t, v.VerifyExternal(now.Add(-30*time.Second), "inst-1", "APPROVED",
		Sign("s3cret", now.Add(-30*time.Second), "inst-1", "APPROVED")))

	cases := map[string]struct {
		ts     time.Time
		status string
		sig    string
	}{
		"tampered status": {now, "REJECTED", sig},
		"stale":           {now.Add(-2 * time.Minute), "APPROVED", Sign("s3cret", now.Add(-2*time.Minute), "inst-1", "APPROVED")},
		"future":          {now.Add(2 * time.Minute), "APPROVED", Sign("s3cret", now.Add(2*time.Minute), "inst-1", "APPROVED")},
		"wrong key":       {now, "APPROVED", Sign("other", now, "inst-1", "APPROVED")},
		"not hex":         {now, "APPROVED", "zz"},
		"no timestamp":    {time.Time{}, "APPROVED", sig},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, v.VerifyExternal(tc.ts, "inst-1", tc.status, tc.sig), ErrInvalidSignature)
		})
	}

	unset := newVerifier(Config{})
	assert.ErrorIs(t, unset.VerifyExternal(now, "inst-1", "APPROVED", Sign("", now, "inst-1", "APPROVED")), ErrInvalidSignature)
}

func TestVerifyChallenge(t *testing.T) {
	v := newVerifier(Config{VerifyToken: "tok"})

	challenge, ok, err := v.VerifyChallenge([]byte(`{"type":"url_verification","token":"tok","challenge":"abc"}`))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "abc", challenge)

	_, ok, err = v.VerifyChallenge([]byte(`{"type":"url_verification","token":"bad","challenge":"abc"}`))
	assert.True(t, ok)
	assert.ErrorIs(t, err, ErrInvalidSignature)

	_, ok, err = v.VerifyChallenge([]byte(`{"header":{"event_type":"approval_instance"}}`))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifyLarkSignature(t *testing.T) {
	body := []byte(`{"event":{}}`)
	hash := sha256.Sum256([]byte("1700000000" + "n1" + "key" + string(body)))
	sig := hex.EncodeToString(hash[:])

	v := newVerifier(Config{EncryptKey: "key"})
	assert.True(t, v.VerifyLarkSignature("1700000000", "n1", sig, body))
	assert.False(t, v.VerifyLarkSignature("1700000001", "n1", sig, body))

	assert.True(t, newVerifier(Config{}).VerifyLarkSignature("", "", "", body), "disabled without encrypt key")
}

// encrypt mirrors Lark's event encryption
func encrypt(t *testing.T, key string, plaintext []byte) string {
	t.Helper()
	k := sha256.Sum256([]byte(key))
	block, err := aes.NewCipher(k[:])
	require.NoError(t, err)

	pad := aes.BlockSize - len(plaintext)%aes.BlockSize
	padded := append(append([]byte(nil), plaintext...), bytes.Repeat([]byte{byte(pad)}, pad)...)

	iv := bytes.Repeat([]byte{7}, aes.BlockSize)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
	return base64.StdEncoding.EncodeToString(append(iv, out...))
}

func TestDecrypt(t *testing.T) {
	v := newVerifier(Config{EncryptKey: "key"})
	plain := []byte(`{"event":{"instance_code":"inst-1","status":"APPROVED"}}`)

	got, err := v.Decrypt([]byte(`{"encrypt":"` + encrypt(t, "key", plain) + `"}`))
	require.NoError(t, err)
	assert.Equal(t, plain, got)

	got, err = v.Decrypt(plain)
	require.NoError(t, err)
	assert.Equal(t, plain, got, "plain bodies pass through")

	_, err = newVerifier(Config{}).Decrypt([]byte(`{"encrypt":"abc"}`))
	assert.Error(t, err)

	_, err = DecryptData("key", "not base64!")
	assert.Error(t, err)
}
