package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// maxSkew is the maximum allowed difference between a webhook's declared
// timestamp and wall-clock time before it is rejected (spec §4.7).
const maxSkew = 5 * time.Minute

var (
	errMissingHeaders  = errors.New("missing signature headers")
	errStaleTimestamp  = errors.New("webhook timestamp skew exceeds allowed window")
	errBadSignature    = errors.New("signature mismatch")
	errMalformedHeader = errors.New("malformed timestamp header")
)

// VerifySignature checks a carrier webhook's HMAC-SHA256 signature,
// computed over "<timestamp>.<body>" with the tenant's resolved secret,
// hex-encoded in the signature header. Comparison is constant-time.
func VerifySignature(secret, signatureHeader, timestampHeader string, body []byte, now time.Time) error {
	if secret == "" || signatureHeader == "" || timestampHeader == "" {
		return errMissingHeaders
	}

	unixSeconds, err := strconv.ParseInt(timestampHeader, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: %v", errMalformedHeader, err)
	}
	ts := time.Unix(unixSeconds, 0)

	skew := now.Sub(ts)
	if skew < 0 {
		skew = -skew
	}
	if skew > maxSkew {
		return errStaleTimestamp
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestampHeader))
	mac.Write([]byte("."))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(signatureHeader)) {
		return errBadSignature
	}
	return nil
}
