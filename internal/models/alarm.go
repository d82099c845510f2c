package models

import (
	"fmt"
	"time"
)

// AlarmPriority is the clinical urgency assigned by the matching threshold.
type AlarmPriority string

const (
	PriorityHigh   AlarmPriority = "HIGH"
	PriorityMedium AlarmPriority = "MEDIUM"
	PriorityLow    AlarmPriority = "LOW"
)

// AlarmDirection records which limit was crossed.
type AlarmDirection string

const (
	DirectionHigh AlarmDirection = "high"
	DirectionLow  AlarmDirection = "low"
)

// AlarmStatus is the lifecycle state of an alarm instance.
// active -> acknowledged -> resolved; resolved is terminal.
type AlarmStatus string

const (
	StatusActive       AlarmStatus = "active"
	StatusAcknowledged AlarmStatus = "acknowledged"
	StatusResolved     AlarmStatus = "resolved"
)

// AlarmThreshold configures detection for one vital type.
// Read-only during detection; replaced whole on administrative update.
type AlarmThreshold struct {
	VitalType  VitalType     `json:"vital_type" db:"vital_type"`
	LowLimit   float64       `json:"low_limit" db:"low_limit"`
	HighLimit  float64       `json:"high_limit" db:"high_limit"`
	Hysteresis float64       `json:"hysteresis" db:"hysteresis"`
	Priority   AlarmPriority `json:"priority" db:"priority"`
	Enabled    bool          `json:"enabled" db:"enabled"`
}

// AlarmSnapshot is one alarm instance. Created when a threshold is crossed;
// mutated only through explicit lifecycle transitions.
type AlarmSnapshot struct {
	AlarmID       string         `json:"alarm_id" db:"alarm_id"`
	AlarmType     string         `json:"alarm_type" db:"alarm_type"` // e.g. "HR_HIGH"
	VitalType     VitalType      `json:"vital_type" db:"vital_type"`
	Direction     AlarmDirection `json:"direction" db:"direction"`
	Priority      AlarmPriority  `json:"priority" db:"priority"`
	Value         float64        `json:"value" db:"value"` // value that triggered the alarm
	Limit         float64        `json:"limit" db:"limit_value"`
	LastValue     float64        `json:"last_value" db:"last_value"`
	PatientID     string         `json:"patient_id" db:"patient_id"`
	DeviceID      string         `json:"device_id" db:"device_id"`
	Status        AlarmStatus    `json:"status" db:"status"`
	StartedAt     time.Time      `json:"started_at" db:"started_at"`
	AckBy         string         `json:"ack_by,omitempty" db:"ack_by"`
	AckAt         *time.Time     `json:"ack_at,omitempty" db:"ack_at"`
	ResolvedAt    *time.Time     `json:"resolved_at,omitempty" db:"resolved_at"`
	Silenced      bool           `json:"silenced" db:"silenced"`
	SilencedUntil *time.Time     `json:"silenced_until,omitempty" db:"silenced_until"`
}

// AlarmTypeFor builds the alarm type key for a vital and direction,
// e.g. ("HR", high) -> "HR_HIGH".
func AlarmTypeFor(vital VitalType, direction AlarmDirection) string {
	if direction == DirectionLow {
		return fmt.Sprintf("%s_LOW", vital)
	}
	return fmt.Sprintf("%s_HIGH", vital)
}

// Open reports whether the alarm still occupies its alarm-type slot
// (active or acknowledged, not yet resolved).
func (a *AlarmSnapshot) Open() bool {
	return a.Status == StatusActive || a.Status == StatusAcknowledged
}

// SilencedNow reports whether notification for this alarm is currently
// suppressed. Silencing never changes the lifecycle status.
func (a *AlarmSnapshot) SilencedNow(now time.Time) bool {
	if !a.Silenced {
		return false
	}
	if a.SilencedUntil != nil && now.After(*a.SilencedUntil) {
		return false
	}
	return true
}
