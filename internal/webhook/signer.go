// Package webhook signs, sends, and retries outbound event notifications to
// registered subscriber endpoints.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"carelink.io/carelink/internal/pkg/errors"
)

// Sign computes the payload signature: HMAC-SHA256 over
// "{unix_timestamp}.{json_payload}" with the subscription secret.
func Sign(secret string, ts int64, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	mac.Write([]byte("."))
	mac.Write(payload)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// SignatureHeader formats the structured header value carrying both the
// timestamp and the signature, so receivers can reject stale requests.
func SignatureHeader(ts int64, signature string) string {
	return fmt.Sprintf("t=%d,v1=%s", ts, signature)
}

// ParseSignatureHeader splits a header produced by SignatureHeader.
func ParseSignatureHeader(header string) (ts int64, signature string, err error) {
	for _, part := range strings.Split(header, ",") {
		k, v, found := strings.Cut(part, "=")
		if !found {
			return 0, "", errors.Signature("malformed signature header")
		}
		switch k {
		case "t":
			ts, err = strconv.ParseInt(v, 10, 64)
			if err != nil {
				return 0, "", errors.Signature("malformed signature timestamp")
			}
		case "v1":
			signature = v
		}
	}
	if ts == 0 || signature == "" {
		return 0, "", errors.Signature("signature header missing t or v1")
	}
	return ts, signature, nil
}

// Verify checks an inbound signature header against the payload. The
// timestamp must fall within the replay window around now.
func Verify(secret, header string, payload []byte, now time.Time, window time.Duration) error {
	ts, sig, err := ParseSignatureHeader(header)
	if err != nil {
		return err
	}

	age := now.Sub(time.Unix(ts, 0))
	if age > window || age < -window {
		return errors.Signature("signature timestamp outside replay window")
	}

	expected := Sign(secret, ts, payload)
	if !hmac.Equal([]byte(expected), []byte(sig)) {
		return errors.Signature("signature mismatch")
	}
	return nil
}
