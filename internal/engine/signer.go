package engine

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/TRASH-PROGRAMMER/practica3-mcp-ai-gateway-sub000/internal/domain"
)

const (
	SignaturePrefix = "sha256="

	// DefaultMaxDrift bounds how far a signed timestamp may be from now.
	DefaultMaxDrift = 5 * time.Minute
)

// Signer computes and checks HMAC-SHA256 signatures over
// "<timestampMs>.<canonical JSON>". It holds no keys.
type Signer struct {
	now func() time.Time
}

func NewSigner() *Signer {
	return &Signer{now: time.Now}
}

// Sign returns "sha256=<hex>" for payload at timestampMs.
// Raw JSON ([]byte or json.RawMessage) is canonicalized before signing.
func (s *Signer) Sign(payload any, timestampMs int64, secret string) (string, error) {
	canonical, err := CanonicalJSON(payload)
	if err != nil {
		return "", err
	}
	return SignaturePrefix + hex.EncodeToString(computeMAC(canonical, timestampMs, secret)), nil
}

// Verify reports whether signature is valid for payload and timestampMs is
// within maxDrift of now. It never panics and fails closed on any error.
func (s *Signer) Verify(payload any, signature string, timestampMs int64, secret string, maxDrift time.Duration) bool {
	return s.Check(payload, signature, timestampMs, secret, maxDrift) == nil
}

// VerifyBody is Verify for a raw request body.
func (s *Signer) VerifyBody(body []byte, signature string, timestampMs int64, secret string, maxDrift time.Duration) bool {
	return s.Check(json.RawMessage(body), signature, timestampMs, secret, maxDrift) == nil
}

// Check is Verify with a reason: domain.ErrReplayRejected for a stale
// timestamp, domain.ErrSignatureInvalid for everything else.
func (s *Signer) Check(payload any, signature string, timestampMs int64, secret string, maxDrift time.Duration) error {
	if maxDrift <= 0 {
		maxDrift = DefaultMaxDrift
	}

	hexSig, ok := strings.CutPrefix(signature, SignaturePrefix)
	if !ok {
		return fmt.Errorf("%w: missing %q prefix", domain.ErrSignatureInvalid, SignaturePrefix)
	}
	given, err := hex.DecodeString(hexSig)
	if err != nil || len(given) != sha256.Size {
		return fmt.Errorf("%w: malformed signature", domain.ErrSignatureInvalid)
	}

	drift := s.now().UnixMilli() - timestampMs
	if drift < 0 {
		drift = -drift
	}
	if drift > maxDrift.Milliseconds() {
		return domain.ErrReplayRejected
	}

	canonical, err := CanonicalJSON(payload)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrSignatureInvalid, err)
	}
	if !hmac.Equal(given, computeMAC(canonical, timestampMs, secret)) {
		return domain.ErrSignatureInvalid
	}
	return nil
}

func computeMAC(canonical []byte, timestampMs int64, secret string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(timestampMs, 10)))
	mac.Write([]byte{'.'})
	mac.Write(canonical)
	return mac.Sum(nil)
}

// CanonicalJSON renders v with object keys sorted, no HTML escaping and no
// insignificant whitespace. Numbers keep their original text.
func CanonicalJSON(v any) ([]byte, error) {
	var raw []byte
	switch val := v.(type) {
	case json.RawMessage:
		raw = val
	case []byte:
		raw = val
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("marshaling payload: %w", err)
		}
		raw = b
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("decoding payload: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("decoding payload: trailing data")
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(generic); err != nil {
		return nil, fmt.Errorf("encoding canonical payload: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}), nil
}
