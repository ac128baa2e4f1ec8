package webhook

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"
	"strings"
	"time"
)

// DefaultAlgorithm is used when a secret does not name one.
const DefaultAlgorithm = "sha256"

var hashes = map[string]func() hash.Hash{
	"sha1":   sha1.New,
	"sha256": sha256.New,
	"sha512": sha512.New,
}

// SupportedAlgorithm reports whether alg can be used for signing.
func SupportedAlgorithm(alg string) bool {
	_, ok := hashes[alg]
	return ok
}

// Envelope is the JSON body sent to webhook endpoints.
type Envelope struct {
	ID             string          `json:"id"`
	Event          string          `json:"event"`
	CreatedAt      time.Time       `json:"created_at"`
	Data           json.RawMessage `json:"data"`
	OrganizationID string          `json:"organization_id"`
	Environment    string          `json:"environment"`
	UserID         string          `json:"user_id,omitempty"`
}

// BuildEnvelope wraps a job's event data in the outbound envelope.
func BuildEnvelope(job *DeliveryJob, eventID string, createdAt time.Time) Envelope {
	data := job.EventData
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}
	return Envelope{
		ID:             eventID,
		Event:          job.EventType,
		CreatedAt:      createdAt.UTC(),
		Data:           data,
		OrganizationID: job.OrganizationID,
		Environment:    job.Environment,
		UserID:         job.UserID,
	}
}

// Marshal serializes the envelope. The returned bytes are both signed and
// transmitted.
func (e Envelope) Marshal() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return b, nil
}

// Sign computes the hex HMAC of payload with key using the named algorithm.
func Sign(algorithm, key string, payload []byte) (string, error) {
	newHash, ok := hashes[algorithm]
	if !ok {
		return "", fmt.Errorf("unsupported signature algorithm %q", algorithm)
	}
	mac := hmac.New(newHash, []byte(key))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// SignatureHeader renders the X-Foresight-Signature value.
func SignatureHeader(algorithm, digest string) string {
	return algorithm + "=" + digest
}

// Verify checks a received X-Foresight-Signature header against payload.
// Receivers use it to authenticate deliveries.
func Verify(payload []byte, key, header string) error {
	alg, digest, ok := strings.Cut(header, "=")
	if !ok || alg == "" || digest == "" {
		return fmt.Errorf("invalid signature header format")
	}
	if !SupportedAlgorithm(alg) {
		return fmt.Errorf("unsupported signature algorithm %q", alg)
	}
	received, err := hex.DecodeString(digest)
	if err != nil {
		return fmt.Errorf("signature is not hex: %w", err)
	}
	expected, _ := Sign(alg, key, payload)
	expectedBytes, _ := hex.DecodeString(expected)
	if !hmac.Equal(received, expectedBytes) {
		return fmt.Errorf("signature verification failed")
	}
	return nil
}
