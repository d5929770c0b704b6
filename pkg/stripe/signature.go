package stripe

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	pkgerrors "github.com/holisticpeople/funnel-bridge/pkg/errors"
)

// DefaultSignatureTolerance bounds how stale a signed timestamp may be.
const DefaultSignatureTolerance = 5 * time.Minute

// VerifySignature checks a processor signature header (`t=...,v1=...`)
// against every configured secret: HMAC-SHA256 over `timestamp.payload`.
// Accepting any secret from the set lets test and live deliveries share
// one endpoint.
func VerifySignature(payload []byte, header string, secrets []string, tolerance time.Duration, now time.Time) error {
	if len(secrets) == 0 {
		return pkgerrors.New(pkgerrors.CodeDependency, "no webhook signing secret configured")
	}
	if strings.TrimSpace(header) == "" {
		return pkgerrors.New(pkgerrors.CodeUnauthorized, "signature header missing")
	}
	if tolerance <= 0 {
		tolerance = DefaultSignatureTolerance
	}

	timestamp, signatures := parseSignatureHeader(header)
	if timestamp == 0 || len(signatures) == 0 {
		return pkgerrors.New(pkgerrors.CodeUnauthorized, "malformed signature header")
	}

	skew := now.Unix() - timestamp
	if skew < 0 {
		skew = -skew
	}
	if skew > int64(tolerance.Seconds()) {
		return pkgerrors.New(pkgerrors.CodeUnauthorized, "signature timestamp outside tolerance")
	}

	signed := strconv.FormatInt(timestamp, 10) + "." + string(payload)
	for _, secret := range secrets {
		expected := computeSignature(signed, secret)
		for _, sig := range signatures {
			if hmac.Equal([]byte(expected), []byte(sig)) {
				return nil
			}
		}
	}
	return pkgerrors.New(pkgerrors.CodeUnauthorized, "signature verification failed")
}

func parseSignatureHeader(header string) (timestamp int64, signatures []string) {
	for _, kv := range strings.Split(header, ",") {
		kv = strings.TrimSpace(kv)
		if kv == "" {
			continue
		}
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 {
			continue
		}
		switch parts[0] {
		case "t":
			if ts, err := strconv.ParseInt(parts[1], 10, 64); err == nil {
				timestamp = ts
			}
		case "v1":
			signatures = append(signatures, parts[1])
		}
	}
	return timestamp, signatures
}

func computeSignature(signedPayload, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(signedPayload))
	return hex.EncodeToString(mac.Sum(nil))
}
