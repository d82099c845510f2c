package models

// VitalType identifies which measurement a VitalRecord carries.
type VitalType string

const (
	VitalHR   VitalType = "HR"   // heart rate, bpm
	VitalSPO2 VitalType = "SPO2" // blood oxygen saturation, %
	VitalRR   VitalType = "RR"   // respiratory rate, breaths/min
)

// VitalRecord is one measurement read from a sensor frame.
// Immutable once constructed.
type VitalRecord struct {
	Type      VitalType `json:"type" db:"vital_type"`
	Value     float64   `json:"value" db:"value"`
	Timestamp int64     `json:"timestamp" db:"timestamp_ms"` // ms since epoch
	Quality   int       `json:"quality" db:"quality"`        // signal quality 0-100
	PatientID string    `json:"patient_id" db:"patient_id"`
	DeviceID  string    `json:"device_id" db:"device_id"`
}

// Waveform channel names as written by the sensor producer.
const (
	ChannelECG   = "ECG_LEAD_II"
	ChannelPleth = "PLETH"
)

// WaveformSample is one high-frequency display sample. Never durably
// persisted; the waveform cache is its only sink besides the UI.
type WaveformSample struct {
	Channel    string  `json:"channel"`
	Value      float64 `json:"value"`
	Timestamp  int64   `json:"timestamp"` // ms since epoch
	SampleRate int     `json:"sample_rate"`
}
