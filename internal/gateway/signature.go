package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
)

const (
	HeaderSignature = "X-Signature"
	HeaderRequestID = "X-Request-Id"
)

// signatureManifest is the string the provider signs for a notification.
func signatureManifest(dataID, requestID, ts string) string {
	var b strings.Builder
	if dataID != "" {
		fmt.Fprintf(&b, "id:%s;", strings.ToLower(dataID))
	}
	if requestID != "" {
		fmt.Fprintf(&b, "request-id:%s;", requestID)
	}
	fmt.Fprintf(&b, "ts:%s;", ts)
	return b.String()
}

// parseSignatureHeader reads "ts=<ts>,v1=<hex>".
func parseSignatureHeader(v string) (ts, v1 string) {
	for _, part := range strings.Split(v, ",") {
		k, val, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch strings.TrimSpace(k) {
		case "ts":
			ts = strings.TrimSpace(val)
		case "v1":
			v1 = strings.TrimSpace(val)
		}
	}
	return ts, v1
}

// VerifySignature checks the HMAC-SHA256 signature of a notification for
// the given data id.
func VerifySignature(secret string, h http.Header, dataID string) error {
	ts, v1 := parseSignatureHeader(h.Get(HeaderSignature))
	if ts == "" || v1 == "" {
		return fmt.Errorf("%w: missing or malformed %s header", ErrSignatureInvalid, HeaderSignature)
	}
	got, err := hex.DecodeString(v1)
	if err != nil {
		return fmt.Errorf("%w: signature is not hex", ErrSignatureInvalid)
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(signatureManifest(dataID, h.Get(HeaderRequestID), ts)))
	if !hmac.Equal(got, mac.Sum(nil)) {
		return fmt.Errorf("%w: signature mismatch", ErrSignatureInvalid)
	}
	return nil
}

// Sign produces an x-signature header value. Used by the sandbox and tests.
func Sign(secret, dataID, requestID, ts string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(signatureManifest(dataID, requestID, ts)))
	return "ts=" + ts + ",v1=" + hex.EncodeToString(mac.Sum(nil))
}
