package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

// timestampTolerance bounds how far a standard-webhooks timestamp may drift
// from the server clock before the signature is rejected.
const timestampTolerance = 5 * time.Minute

// signatureHeaders lists the header names providers are known to use, in
// lookup order.
var signatureHeaders = []string{
	"X-Composio-Signature",
	"Webhook-Signature",
	"X-Webhook-Signature",
	"X-Standard-Webhooks-Signature",
	"Standard-Webhook-Signature",
}

// VerifySignature checks a webhook signature header against the raw request
// body. Providers disagree on the wire format, so all known encodings are
// tried:
//
//	sha256=<hex>            plain HMAC-SHA256, text secret
//	<hex> / <base64>        bare digest, text or base64-decoded secret
//	t=<ts>,v1=<base64>      standard-webhooks, signed payload "<ts>.<body>"
//	v1,<base64>             standard-webhooks without timestamp
//
// All comparisons are timing safe. The timestamped variant additionally
// enforces timestampTolerance against now.
func VerifySignature(secret, header string, body []byte, now time.Time) bool {
	header = strings.TrimSpace(header)
	if secret == "" || header == "" {
		return false
	}

	secrets := secretVariants(secret)

	if rest, ok := strings.CutPrefix(header, "v1,"); ok {
		return matchAny(secrets, body, strings.TrimSpace(rest))
	}
	if rest, ok := strings.CutPrefix(header, "sha256="); ok {
		return matchAny(secrets, body, rest)
	}
	// Only a key=value list with both keys is the timestamped format; bare
	// base64 digests routinely end in '=' padding and must not match here.
	if strings.Contains(header, "t=") && strings.Contains(header, "v1=") {
		return verifyTimestamped(secrets, header, body, now)
	}
	return matchAny(secrets, body, header)
}

// secretVariants returns the secret as raw text plus, when it decodes, its
// base64-decoded form. Providers hand out both shapes.
func secretVariants(secret string) [][]byte {
	variants := [][]byte{[]byte(secret)}
	if decoded, err := base64.StdEncoding.DecodeString(secret); err == nil && len(decoded) > 0 {
		variants = append(variants, decoded)
	}
	return variants
}

// verifyTimestamped handles the "t=<ts>,v1=<base64>" format. The HMAC covers
// "<ts>.<body>" so a replayed body cannot reuse an old signature.
func verifyTimestamped(secrets [][]byte, header string, body []byte, now time.Time) bool {
	var ts, v1 string
	for _, part := range strings.Split(header, ",") {
		key, value, found := strings.Cut(part, "=")
		if !found {
			continue
		}
		switch strings.TrimSpace(key) {
		case "t":
			ts = strings.TrimSpace(value)
		case "v1":
			v1 = strings.TrimSpace(value)
		}
	}
	if ts == "" || v1 == "" {
		return false
	}

	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return false
	}
	drift := now.Sub(time.Unix(unix, 0))
	if drift < -timestampTolerance || drift > timestampTolerance {
		return false
	}

	signed := append([]byte(ts+"."), body...)
	for _, secret := range secrets {
		digest := hmacSHA256(secret, signed)
		if constantTimeEqual(base64.StdEncoding.EncodeToString(digest), v1) {
			return true
		}
	}
	return false
}

// matchAny compares the candidate against both hex and base64 encodings of
// the body digest, for every secret variant.
func matchAny(secrets [][]byte, body []byte, candidate string) bool {
	for _, secret := range secrets {
		digest := hmacSHA256(secret, body)
		if constantTimeEqual(hex.EncodeToString(digest), candidate) {
			return true
		}
		if constantTimeEqual(base64.StdEncoding.EncodeToString(digest), candidate) {
			return true
		}
	}
	return false
}

func hmacSHA256(secret, payload []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return mac.Sum(nil)
}

func constantTimeEqual(expected, actual string) bool {
	return subtle.ConstantTimeCompare([]byte(expected), []byte(actual)) == 1
}

// extractSignature returns the first populated signature header.
func extractSignature(get func(string) string) string {
	for _, name := range signatureHeaders {
		if v := strings.TrimSpace(get(name)); v != "" {
			return v
		}
	}
	return ""
}
