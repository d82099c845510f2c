package telemetry

import (
	"bytes"
	"compress/gzip"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"zmon/internal/models"
)

// Signer seals telemetry batches: gzip the payload JSON, then sign
// batchID|deviceID|createdAtMs|nonce|sha256(compressed) with the device
// key (HMAC-SHA256). The server verifies the same construction, so a
// tampered or replayed payload fails authentication.
type Signer struct {
	key []byte
}

// NewSigner builds a signer from the configured device key.
func NewSigner(key string) *Signer {
	return &Signer{key: []byte(key)}
}

// Seal compresses and signs the batch in place, filling Nonce, Signature
// and Compressed. A batch is immutable once sealed; sealing twice is an
// error.
func (s *Signer) Seal(b *models.TelemetryBatch) error {
	if b.Sealed() {
		return fmt.Errorf("batch %s is already sealed", b.BatchID)
	}
	b.Nonce = uuid.NewString()

	body, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("failed to marshal batch payload: %w", err)
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(body); err != nil {
		return fmt.Errorf("failed to compress batch payload: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("failed to compress batch payload: %w", err)
	}

	b.Compressed = buf.Bytes()
	b.Signature = s.sign(b)
	return nil
}

// Verify recomputes the signature over the sealed payload. Used by tests
// and available for a server-side check against the same key.
func (s *Signer) Verify(b *models.TelemetryBatch) bool {
	if !b.Sealed() || len(b.Compressed) == 0 {
		return false
	}
	expected, err := hex.DecodeString(b.Signature)
	if err != nil {
		return false
	}
	actual, err := hex.DecodeString(s.sign(b))
	if err != nil {
		return false
	}
	return hmac.Equal(expected, actual)
}

func (s *Signer) sign(b *models.TelemetryBatch) string {
	digest := sha256.Sum256(b.Compressed)
	msg := fmt.Sprintf("%s|%s|%d|%s|%s",
		b.BatchID, b.DeviceID, b.CreatedAt.UnixMilli(), b.Nonce,
		hex.EncodeToString(digest[:]))

	mac := hmac.New(sha256.New, s.key)
	mac.Write([]byte(msg))
	return hex.EncodeToString(mac.Sum(nil))
}
