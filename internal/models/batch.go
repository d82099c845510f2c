package models

import "time"

// Batch limits carried over from the telemetry protocol: a batch is sealed
// early rather than ever exceeding these.
const (
	BatchMaxVitals      = 1000
	BatchMaxAlarms      = 100
	BatchMaxPayloadSize = 64 * 1024 // serialized payload bytes
)

// TelemetryBatch is a signed collection of vitals/alarms destined for the
// central server. Immutable once signed; deleted (or archived) only after
// the server acknowledges receipt.
type TelemetryBatch struct {
	BatchID   string          `json:"batch_id" db:"batch_id"`
	DeviceID  string          `json:"device_id" db:"device_id"`
	PatientID string          `json:"patient_id" db:"patient_id"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
	Vitals    []VitalRecord   `json:"vitals"`
	Alarms    []AlarmSnapshot `json:"alarms"`
	Priority  bool            `json:"priority"` // critical-alarm bypass batch
	Nonce     string          `json:"nonce" db:"nonce"`
	Signature string          `json:"signature" db:"signature"` // hex HMAC-SHA256
	// Compressed is the sealed gzip payload, stored so that a drain after
	// restart re-sends exactly the bytes the signature covers.
	Compressed []byte     `json:"-" db:"compressed"`
	SentAt     *time.Time `json:"sent_at,omitempty" db:"sent_at"`
}

// Sealed reports whether the batch has been signed and must no longer change.
func (b *TelemetryBatch) Sealed() bool {
	return b.Signature != ""
}

// ErrorClass buckets delivery failures for retry decisions.
type ErrorClass string

const (
	ErrorNone      ErrorClass = ""
	ErrorNetwork   ErrorClass = "network"      // retryable
	ErrorTimeout   ErrorClass = "timeout"      // retryable
	ErrorServer    ErrorClass = "server"       // 5xx, retryable
	ErrorAuth      ErrorClass = "auth"         // 401/403, not retryable
	ErrorMalformed ErrorClass = "malformed"    // 400, not retryable
	ErrorCircuit   ErrorClass = "circuit_open" // short-circuited, retried by drain
)

// Retryable reports whether a failure of this class should consume retry
// budget rather than being surfaced immediately.
func (c ErrorClass) Retryable() bool {
	switch c {
	case ErrorNetwork, ErrorTimeout, ErrorServer:
		return true
	}
	return false
}

// TransmissionMetrics is the latency breakdown of one delivery attempt.
// Observability only; never mutates a batch.
type TransmissionMetrics struct {
	PersistMs int64 `json:"persist_ms"` // time to durably queue the batch
	WireMs    int64 `json:"wire_ms"`    // time on the network
	AckMs     int64 `json:"ack_ms"`     // server processing until 2xx
}

// TransmissionResult is the outcome of one delivery attempt.
type TransmissionResult struct {
	BatchID    string              `json:"batch_id"`
	Success    bool                `json:"success"`
	ErrorClass ErrorClass          `json:"error_class,omitempty"`
	Error      string              `json:"error,omitempty"`
	Attempts   int                 `json:"attempts"`
	Metrics    TransmissionMetrics `json:"metrics"`
}
