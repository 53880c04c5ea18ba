package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Signature header format: "t=<unix>,v1=<hex>[,v2=<hex>]". The signed string
// is "<t>.<raw body>"; v2 is present only while a secret rotation is open.
const SignatureHeader = "X-Hookrelay-Signature"

var (
	ErrSignatureFormat  = errors.New("malformed signature header")
	ErrSignatureExpired = errors.New("signature timestamp outside tolerance")
	ErrSignatureInvalid = errors.New("no signature matched")
)

func signHex(secret, payload []byte, ts int64) string {
	mac := hmac.New(sha256.New, secret)
	fmt.Fprintf(mac, "%d.", ts)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Sign produces the signature header for a payload using the current secret.
func Sign(secret, payload []byte, ts time.Time) string {
	u := ts.Unix()
	return fmt.Sprintf("t=%d,v1=%s", u, signHex(secret, payload, u))
}

// SignDual signs with both the current and the incoming secret so receivers
// can verify with either during a rotation window.
func SignDual(current, next, payload []byte, ts time.Time) string {
	u := ts.Unix()
	return fmt.Sprintf("t=%d,v1=%s,v2=%s", u, signHex(current, payload, u), signHex(next, payload, u))
}

// Verify checks a signature header against a payload. A header passes when
// its timestamp is within tolerance of now and any v* entry matches any
// candidate secret (constant-time compare per pair).
func Verify(secrets [][]byte, payload []byte, header string, now time.Time, tolerance time.Duration) error {
	ts, sigs, err := parseHeader(header)
	if err != nil {
		return err
	}
	skew := now.Unix() - ts
	if skew < 0 {
		skew = -skew
	}
	if skew > int64(tolerance/time.Second) {
		return ErrSignatureExpired
	}
	for _, secret := range secrets {
		want := []byte(signHex(secret, payload, ts))
		for _, sig := range sigs {
			if hmac.Equal(want, []byte(sig)) {
				return nil
			}
		}
	}
	return ErrSignatureInvalid
}

func parseHeader(header string) (int64, []string, error) {
	var ts int64
	var haveTS bool
	sigs := []string{}
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			return 0, nil, ErrSignatureFormat
		}
		switch {
		case k == "t":
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return 0, nil, ErrSignatureFormat
			}
			ts, haveTS = n, true
		case strings.HasPrefix(k, "v"):
			if v == "" {
				return 0, nil, ErrSignatureFormat
			}
			sigs = append(sigs, v)
		}
	}
	if !haveTS || len(sigs) == 0 {
		return 0, nil, ErrSignatureFormat
	}
	return ts, sigs, nil
}

// SecretDeriver derives per-endpoint signing keys from a single master key.
// Derived secrets are handed out at registration/rotation time and never
// stored; the store keeps only a fingerprint.
type SecretDeriver struct {
	master []byte
}

func NewSecretDeriver(masterKey string) SecretDeriver {
	return SecretDeriver{master: []byte(masterKey)}
}

// Derive returns the signing key for an endpoint at a given secret version.
// Version 0 is keyed by the endpoint id alone; later versions fold in a
// version label so each rotation yields a fresh key.
func (d SecretDeriver) Derive(endpointID string, version int) []byte {
	mac := hmac.New(sha256.New, d.master)
	mac.Write([]byte(endpointID))
	if version > 0 {
		fmt.Fprintf(mac, ":v%d", version)
	}
	return mac.Sum(nil)
}

// DeriveString is Derive hex-encoded, the form handed to endpoint owners.
func (d SecretDeriver) DeriveString(endpointID string, version int) string {
	return "whsec_" + hex.EncodeToString(d.Derive(endpointID, version))
}

// Fingerprint is a short non-reversible identifier of a secret for audit
// columns and logs.
func Fingerprint(secret []byte) string {
	sum := sha256.Sum256(secret)
	return hex.EncodeToString(sum[:8])
}
