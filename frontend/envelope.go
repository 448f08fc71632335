package frontend

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/quarryhq/quarry/types"
)

// SignedEnvelope is the wire frame every client poll travels in. The
// payload is opaque JSON; the signature is an HMAC-SHA256 over the
// payload, the nonce and the timestamp, keyed with the communication
// key the client established at enrolment.
type SignedEnvelope struct {
	ClientID  types.ClientID  `json:"client_id"`
	Nonce     string          `json:"nonce"`
	Timestamp types.Timestamp `json:"timestamp"`
	Signature string          `json:"signature,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

// signatureInput is the byte string the HMAC covers. Nonce and
// timestamp are folded in so a captured envelope cannot be replayed
// with a different body or outside the clock-skew window.
func (e *SignedEnvelope) signatureInput() []byte {
	buf := make([]byte, 0, len(e.Payload)+len(e.Nonce)+24)
	buf = append(buf, e.Payload...)
	buf = append(buf, '|')
	buf = append(buf, e.Nonce...)
	buf = append(buf, '|')
	buf = strconv.AppendInt(buf, int64(e.Timestamp), 10)
	return buf
}

// Sign computes and stores the envelope signature.
func (e *SignedEnvelope) Sign(key []byte) {
	mac := hmac.New(sha256.New, key)
	mac.Write(e.signatureInput())
	e.Signature = hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether the signature matches the payload
// under the given key.
func (e *SignedEnvelope) VerifySignature(key []byte) bool {
	if e.Signature == "" {
		return false
	}
	want, err := hex.DecodeString(e.Signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(e.signatureInput())
	return hmac.Equal(want, mac.Sum(nil))
}

// NewEnvelope wraps a payload for the given client, stamping a fresh
// nonce and the caller's idea of now. A nil key leaves the envelope
// unsigned, which only enrolment traffic may do.
func NewEnvelope(clientID types.ClientID, key []byte, now types.Timestamp, payload any) (*SignedEnvelope, error) {
	buf, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope payload: %w", err)
	}
	nonce := make([]byte, 8)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	env := &SignedEnvelope{
		ClientID:  clientID,
		Nonce:     hex.EncodeToString(nonce),
		Timestamp: now,
		Payload:   buf,
	}
	if len(key) > 0 {
		env.Sign(key)
	}
	return env, nil
}
