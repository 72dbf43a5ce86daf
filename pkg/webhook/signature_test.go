package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func sign(secret, payload []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return mac.Sum(nil)
}

func TestVerifySignature(t *testing.T) {
	secret := "topsecret"
	body := []byte(`{"type":"gmail-new-message"}`)
	now := time.Now()

	digest := sign([]byte(secret), body)
	hexSig := hex.EncodeToString(digest)
	b64Sig := base64.StdEncoding.EncodeToString(digest)

	t.Run("sha256 prefixed hex", func(t *testing.T) {
		assert.True(t, VerifySignature(secret, "sha256="+hexSig, body, now))
	})

	t.Run("bare hex", func(t *testing.T) {
		assert.True(t, VerifySignature(secret, hexSig, body, now))
	})

	t.Run("bare base64", func(t *testing.T) {
		assert.True(t, VerifySignature(secret, b64Sig, body, now))
	})

	t.Run("v1 comma variant", func(t *testing.T) {
		// Base64 digests end in '=' padding; the header must still be
		// routed as a plain digest, not as the timestamped format.
		assert.Contains(t, b64Sig, "=")
		assert.True(t, VerifySignature(secret, "v1,"+b64Sig, body, now))
	})

	t.Run("tampered body rejected", func(t *testing.T) {
		assert.False(t, VerifySignature(secret, "sha256="+hexSig, []byte(`{"type":"other"}`), now))
	})

	t.Run("wrong secret rejected", func(t *testing.T) {
		assert.False(t, VerifySignature("other", "sha256="+hexSig, body, now))
	})

	t.Run("empty header rejected", func(t *testing.T) {
		assert.False(t, VerifySignature(secret, "", body, now))
	})

	t.Run("empty secret rejected", func(t *testing.T) {
		assert.False(t, VerifySignature("", "sha256="+hexSig, body, now))
	})
}

func TestVerifySignatureStandardWebhooks(t *testing.T) {
	rawSecret := []byte("whsec-raw-bytes-here")
	secretB64 := base64.StdEncoding.EncodeToString(rawSecret)
	body := []byte(`{"data":{"connection_nano_id":"ca-1"}}`)
	now := time.Now()

	header := func(at time.Time) string {
		ts := fmt.Sprintf("%d", at.Unix())
		digest := sign(rawSecret, append([]byte(ts+"."), body...))
		return fmt.Sprintf("t=%s,v1=%s", ts, base64.StdEncoding.EncodeToString(digest))
	}

	t.Run("timestamped accepted", func(t *testing.T) {
		assert.True(t, VerifySignature(secretB64, header(now), body, now))
	})

	t.Run("stale timestamp rejected", func(t *testing.T) {
		assert.False(t, VerifySignature(secretB64, header(now.Add(-6*time.Minute)), body, now))
	})

	t.Run("future timestamp rejected", func(t *testing.T) {
		assert.False(t, VerifySignature(secretB64, header(now.Add(6*time.Minute)), body, now))
	})

	t.Run("within tolerance accepted", func(t *testing.T) {
		assert.True(t, VerifySignature(secretB64, header(now.Add(-4*time.Minute)), body, now))
	})

	t.Run("timestamp is part of the signed payload", func(t *testing.T) {
		ts := fmt.Sprintf("%d", now.Unix())
		digest := sign(rawSecret, body) // missing "<ts>." prefix
		h := fmt.Sprintf("t=%s,v1=%s", ts, base64.StdEncoding.EncodeToString(digest))
		assert.False(t, VerifySignature(secretB64, h, body, now))
	})

	t.Run("text secret also tried", func(t *testing.T) {
		ts := fmt.Sprintf("%d", now.Unix())
		digest := sign([]byte(secretB64), append([]byte(ts+"."), body...))
		h := fmt.Sprintf("t=%s,v1=%s", ts, base64.StdEncoding.EncodeToString(digest))
		assert.True(t, VerifySignature(secretB64, h, body, now))
	})
}

func TestVerifySignatureBase64Secret(t *testing.T) {
	rawSecret := []byte{0x01, 0x02, 0x03, 0x04}
	secretB64 := base64.StdEncoding.EncodeToString(rawSecret)
	body := []byte("payload")

	digest := sign(rawSecret, body)
	assert.True(t, VerifySignature(secretB64, hex.EncodeToString(digest), body, time.Now()))
	assert.True(t, VerifySignature(secretB64, "v1,"+base64.StdEncoding.EncodeToString(digest), body, time.Now()))
}

func TestExtractSignature(t *testing.T) {
	headers := map[string]string{"Webhook-Signature": "v1,abc"}
	got := extractSignature(func(name string) string { return headers[name] })
	assert.Equal(t, "v1,abc", got)

	assert.Empty(t, extractSignature(func(string) string { return "" }))
}
