package engine

import "time"

// Configuration holds the risk-scoring parameters handed to the engine with
// every key submission.
type Configuration struct {
	MinimumRiskScore            int   `json:"MinimumRiskScore"`
	AttenuationWeight           int   `json:"AttenuationWeight"`
	DaysSinceLastExposureWeight int   `json:"DaysSinceLastExposureWeight"`
	DurationWeight              int   `json:"DurationWeight"`
	TransmissionRiskWeight      int   `json:"TransmissionRiskWeight"`
	AttenuationScores           []int `json:"AttenuationScores,omitempty"`
	DaysSinceLastExposureScores []int `json:"DaysSinceLastExposureScores,omitempty"`
	DurationScores              []int `json:"DurationScores,omitempty"`
	TransmissionRiskScores      []int `json:"TransmissionRiskScores,omitempty"`
}

// ExposureSummary is the aggregate match result for one token.
type ExposureSummary struct {
	MatchedKeyCount             int   `json:"matched_key_count"`
	MaximumRiskScore            int   `json:"maximum_risk_score"`
	DaysSinceLastExposure       int   `json:"days_since_last_exposure"`
	AttenuationDurationsMinutes []int `json:"attenuation_durations_minutes"`
}

// ExposureInformation describes a single exposure window.
type ExposureInformation struct {
	DateMillisSinceEpoch        int64 `json:"date_millis_since_epoch"`
	DurationMinutes             int   `json:"duration_minutes"`
	TransmissionRiskLevel       int   `json:"transmission_risk_level"`
	TotalRiskScore              int   `json:"total_risk_score"`
	AttenuationValue            int   `json:"attenuation_value"`
	AttenuationDurationsMinutes []int `json:"attenuation_durations_minutes"`
}

// Date returns the exposure day.
func (e ExposureInformation) Date() time.Time {
	return time.UnixMilli(e.DateMillisSinceEpoch)
}

// TemporaryExposureKey is one of this device's own daily keys.
type TemporaryExposureKey struct {
	KeyData                    []byte `json:"key_data"`
	RollingStartIntervalNumber int    `json:"rolling_start_interval_number"`
	RollingPeriod              int    `json:"rolling_period"`
	TransmissionRiskLevel      int    `json:"transmission_risk_level"`
}

// DefaultRollingPeriod is the number of 10-minute intervals in a day. Some
// engines report 0 where they mean a full day.
const DefaultRollingPeriod = 144

// Normalized returns k with a zero rolling period replaced by a full day.
func (k TemporaryExposureKey) Normalized() TemporaryExposureKey {
	if k.RollingPeriod == 0 {
		k.RollingPeriod = DefaultRollingPeriod
	}
	return k
}

// Status is the engine's self-report.
type Status struct {
	Available        bool  `json:"available"`
	Enabled          bool  `json:"enabled"`
	BluetoothEnabled *bool `json:"bluetooth_enabled,omitempty"`
}
