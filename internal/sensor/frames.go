package sensor

import (
	"encoding/json"
	"fmt"

	"zmon/internal/models"
)

// vitalsPayload is the JSON body of a vitals frame. Keys are optional;
// each present key yields one VitalRecord.
type vitalsPayload struct {
	HR            *float64 `json:"hr"`
	SPO2          *float64 `json:"spo2"`
	RR            *float64 `json:"rr"`
	SignalQuality *int     `json:"signal_quality"`
}

// waveformPayload is the JSON body of a waveform frame: a burst of samples
// for one channel starting at StartTimestampMs.
type waveformPayload struct {
	Channel          string    `json:"channel"`
	SampleRate       int       `json:"sample_rate"`
	StartTimestampMs int64     `json:"start_timestamp_ms"`
	Values           []float64 `json:"values"`
}

// decodeVitals expands a vitals frame into per-vital records stamped with
// the frame timestamp.
func decodeVitals(payload []byte, timestampMs int64, patientID, deviceID string) ([]models.VitalRecord, error) {
	var body vitalsPayload
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, fmt.Errorf("failed to decode vitals payload: %w", err)
	}

	quality := 100
	if body.SignalQuality != nil {
		quality = *body.SignalQuality
	}

	records := make([]models.VitalRecord, 0, 3)
	add := func(t models.VitalType, v *float64) {
		if v == nil {
			return
		}
		records = append(records, models.VitalRecord{
			Type:      t,
			Value:     *v,
			Timestamp: timestampMs,
			Quality:   quality,
			PatientID: patientID,
			DeviceID:  deviceID,
		})
	}
	add(models.VitalHR, body.HR)
	add(models.VitalSPO2, body.SPO2)
	add(models.VitalRR, body.RR)

	if len(records) == 0 {
		return nil, fmt.Errorf("vitals payload carries no known vital")
	}
	return records, nil
}

// decodeWaveform expands a waveform frame into one sample per value;
// sample i is stamped start + i*1000/rate milliseconds.
func decodeWaveform(payload []byte) ([]models.WaveformSample, error) {
	var body waveformPayload
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, fmt.Errorf("failed to decode waveform payload: %w", err)
	}
	if body.SampleRate <= 0 {
		return nil, fmt.Errorf("waveform payload has invalid sample rate %d", body.SampleRate)
	}
	if body.Channel == "" {
		return nil, fmt.Errorf("waveform payload has no channel")
	}

	samples := make([]models.WaveformSample, len(body.Values))
	for i, v := range body.Values {
		samples[i] = models.WaveformSample{
			Channel:    body.Channel,
			Value:      v,
			Timestamp:  body.StartTimestampMs + int64(i)*1000/int64(body.SampleRate),
			SampleRate: body.SampleRate,
		}
	}
	return samples, nil
}
