package engine

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TRASH-PROGRAMMER/practica3-mcp-ai-gateway-sub000/internal/domain"
)

func fixedSigner(at time.Time) *Signer {
	return &Signer{now: func() time.Time { return at }}
}

func TestCanonicalJSON_SortsKeysAndKeepsNumbers(t *testing.T) {
	out, err := CanonicalJSON(json.RawMessage(`{"b": 1, "a": {"z": 1.50, "y": "<tag>"}, "c": [3, 1]}`))
	require.NoError(t, err)
	assert.Equal(t, `{"a":{"y":"<tag>","z":1.50},"b":1,"c":[3,1]}`, string(out))
}

func TestCanonicalJSON_StructAndRawAgree(t *testing.T) {
	type payload struct {
		Name  string  `json:"name"`
		Price float64 `json:"price"`
	}
	fromStruct, err := CanonicalJSON(payload{Name: "ibuprofeno", Price: 4.5})
	require.NoError(t, err)
	fromRaw, err := CanonicalJSON([]byte(`{"price":4.5,"name":"ibuprofeno"}`))
	require.NoError(t, err)
	assert.Equal(t, string(fromStruct), string(fromRaw))
}

func TestCanonicalJSON_RejectsInvalid(t *testing.T) {
	_, err := CanonicalJSON(json.RawMessage(`{"a":`))
	assert.Error(t, err)
	_, err = CanonicalJSON(json.RawMessage(`{} {}`))
	assert.Error(t, err)
}

func TestSigner_SignFormat(t *testing.T) {
	s := NewSigner()
	sig, err := s.Sign(map[string]any{"id": "p-1"}, 1700000000000, "secret")
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(sig, SignaturePrefix))
	assert.Len(t, strings.TrimPrefix(sig, SignaturePrefix), 64)

	again, err := s.Sign(map[string]any{"id": "p-1"}, 1700000000000, "secret")
	require.NoError(t, err)
	assert.Equal(t, sig, again, "signing must be deterministic")
}

func TestSigner_RoundTrip(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	s := fixedSigner(now)

	payloads := []any{
		map[string]any{"producto": "paracetamol", "precio": 3.2},
		json.RawMessage(`{"nested":{"list":[1,2,3]},"unicode":"café €"}`),
		[]any{"a", 1, true, nil},
		"plain string",
	}
	offsets := []time.Duration{0, -4 * time.Minute, 4 * time.Minute, 5 * time.Minute}

	for _, p := range payloads {
		for _, off := range offsets {
			ts := now.Add(off).UnixMilli()
			sig, err := s.Sign(p, ts, "abc")
			require.NoError(t, err)
			assert.True(t, s.Verify(p, sig, ts, "abc", DefaultMaxDrift), "payload %v offset %s", p, off)
		}
	}
}

func TestSigner_ReplayRejected(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	s := fixedSigner(now)
	payload := map[string]string{"id": "evt-1"}

	for _, off := range []time.Duration{-5*time.Minute - time.Millisecond, 5*time.Minute + time.Millisecond, -time.Hour} {
		ts := now.Add(off).UnixMilli()
		sig, err := s.Sign(payload, ts, "abc")
		require.NoError(t, err)

		assert.False(t, s.Verify(payload, sig, ts, "abc", 0))
		assert.ErrorIs(t, s.Check(payload, sig, ts, "abc", 0), domain.ErrReplayRejected)
	}
}

func TestSigner_WrongSecretFails(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	s := fixedSigner(now)

	for _, p := range []any{map[string]any{"a": 1}, "x", []int{1, 2}, map[string]any{}} {
		sig, err := s.Sign(p, now.UnixMilli(), "abc")
		require.NoError(t, err)
		assert.False(t, s.Verify(p, sig, now.UnixMilli(), "xyz", DefaultMaxDrift))
		assert.ErrorIs(t, s.Check(p, sig, now.UnixMilli(), "xyz", DefaultMaxDrift), domain.ErrSignatureInvalid)
	}
}

func TestSigner_FailsClosedOnMalformedSignature(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	s := fixedSigner(now)
	ts := now.UnixMilli()

	for _, sig := range []string{"", "sha256=", "sha256=zz", "md5=abcd", "sha256=abcd", strings.Repeat("a", 64)} {
		assert.False(t, s.Verify(map[string]int{"a": 1}, sig, ts, "abc", 0), "signature %q", sig)
	}
}

func TestSigner_TamperedPayloadFails(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	s := fixedSigner(now)

	sig, err := s.Sign(json.RawMessage(`{"price":10}`), now.UnixMilli(), "abc")
	require.NoError(t, err)
	assert.False(t, s.VerifyBody([]byte(`{"price":11}`), sig, now.UnixMilli(), "abc", 0))
	assert.True(t, s.VerifyBody([]byte(`{ "price" : 10 }`), sig, now.UnixMilli(), "abc", 0))
}

func TestSigner_TimestampIsSigned(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	s := fixedSigner(now)

	sig, err := s.Sign("payload", now.UnixMilli(), "abc")
	require.NoError(t, err)
	assert.False(t, s.Verify("payload", sig, now.UnixMilli()+1, "abc", 0))
}
