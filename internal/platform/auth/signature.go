package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Alert webhooks sign "<unix ts>.<METHOD>.<body>" with HMAC-SHA256.
const (
	HeaderAlertTimestamp = "X-Gatekeeper-Alert-Ts"
	HeaderAlertSignature = "X-Gatekeeper-Alert-Sig"
)

var ErrInvalidSignature = errors.New("invalid signature")

func ComputeBodySignature(secret, ts, method string, body []byte) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("signature secret is required")
	}
	if strings.TrimSpace(ts) == "" {
		return "", errors.New("timestamp is required")
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strings.TrimSpace(ts)))
	mac.Write([]byte("."))
	mac.Write([]byte(strings.ToUpper(strings.TrimSpace(method))))
	mac.Write([]byte("."))
	mac.Write(body)
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil)), nil
}

func VerifyBodySignature(secret, ts, method string, body []byte, signature string) error {
	expected, err := ComputeBodySignature(secret, ts, method, body)
	if err != nil {
		return err
	}
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return fmt.Errorf("%w: signature is required", ErrInvalidSignature)
	}
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ErrInvalidSignature
	}
	return nil
}

// VerifyTimestamp checks a unix-seconds timestamp against now. A non-positive
// maxSkew only checks the format.
func VerifyTimestamp(ts string, now time.Time, maxSkew time.Duration) error {
	ts = strings.TrimSpace(ts)
	if ts == "" {
		return errors.New("timestamp is required")
	}
	parsed, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid timestamp: %w", err)
	}
	if maxSkew <= 0 {
		return nil
	}
	tsTime := time.Unix(parsed, 0).UTC()
	if now.IsZero() {
		now = time.Now().UTC()
	}
	if tsTime.After(now.Add(maxSkew)) || tsTime.Before(now.Add(-maxSkew)) {
		return errors.New("timestamp outside allowed skew")
	}
	return nil
}
