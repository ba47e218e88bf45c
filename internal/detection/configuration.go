package detection

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/genexuslabs/ExposureNotifications/internal/engine"
)

// configFields lists the configuration fields in parse order.
var configFields = []struct {
	name  string
	array bool
	set   func(c *engine.Configuration, n int, arr []int)
}{
	{"MinimumRiskScore", false, func(c *engine.Configuration, n int, _ []int) { c.MinimumRiskScore = n }},
	{"AttenuationWeight", false, func(c *engine.Configuration, n int, _ []int) { c.AttenuationWeight = n }},
	{"DaysSinceLastExposureWeight", false, func(c *engine.Configuration, n int, _ []int) { c.DaysSinceLastExposureWeight = n }},
	{"DurationWeight", false, func(c *engine.Configuration, n int, _ []int) { c.DurationWeight = n }},
	{"TransmissionRiskWeight", false, func(c *engine.Configuration, n int, _ []int) { c.TransmissionRiskWeight = n }},
	{"AttenuationScores", true, func(c *engine.Configuration, _ int, a []int) { c.AttenuationScores = a }},
	{"DaysSinceLastExposureScores", true, func(c *engine.Configuration, _ int, a []int) { c.DaysSinceLastExposureScores = a }},
	{"DurationScores", true, func(c *engine.Configuration, _ int, a []int) { c.DurationScores = a }},
	{"TransmissionRiskScores", true, func(c *engine.Configuration, _ int, a []int) { c.TransmissionRiskScores = a }},
}

// ParseReport describes how much of a stored configuration was usable.
type ParseReport struct {
	// FailedFields counts fields left at their zero value: the first
	// malformed field and every field after it.
	FailedFields int
	// Field is the first malformed field, empty on a clean parse.
	Field string
	Err   error
}

// OK reports whether every field parsed.
func (r ParseReport) OK() bool { return r.FailedFields == 0 }

// ParseConfiguration reads the stored configuration JSON leniently. Fields
// are applied in a fixed order and parsing stops at the first malformed one,
// keeping everything applied before it. Integer fields may be JSON numbers
// or numeric strings; score tables may be JSON arrays or strings holding a
// JSON array.
func ParseConfiguration(text string) (engine.Configuration, ParseReport) {
	var cfg engine.Configuration

	var raw map[string]json.RawMessage
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		return cfg, ParseReport{FailedFields: len(configFields), Field: configFields[0].name, Err: fmt.Errorf("decoding configuration: %w", err)}
	}

	for i, f := range configFields {
		var err error
		if f.array {
			var arr []int
			arr, err = parseIntArray(raw[f.name])
			if err == nil {
				f.set(&cfg, 0, arr)
			}
		} else {
			var n int
			n, err = parseInt(raw[f.name])
			if err == nil {
				f.set(&cfg, n, nil)
			}
		}
		if err != nil {
			return cfg, ParseReport{FailedFields: len(configFields) - i, Field: f.name, Err: fmt.Errorf("%s: %w", f.name, err)}
		}
	}
	return cfg, ParseReport{}
}

func parseInt(raw json.RawMessage) (int, error) {
	if len(raw) == 0 {
		return 0, fmt.Errorf("missing")
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		v, err := strconv.Atoi(n.String())
		if err != nil {
			return 0, fmt.Errorf("not an integer: %w", err)
		}
		return v, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, fmt.Errorf("not a number or string")
	}
	v, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("not an integer: %w", err)
	}
	return v, nil
}

func parseIntArray(raw json.RawMessage) ([]int, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("missing")
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		raw = json.RawMessage(s)
	}
	var arr []int
	if err := json.Unmarshal(raw, &arr); err != nil {
		return nil, fmt.Errorf("not an integer array: %w", err)
	}
	return arr, nil
}

// ConfigSource supplies the stored configuration JSON.
type ConfigSource interface {
	ExposureConfiguration() string
}
