package engine

import "context"

// DetectConfig holds parameters for engine detection.
type DetectConfig struct {
	BaseURL string
}

// Detect returns an HTTPEngine for the configured daemon, or Unavailable
// when no daemon is configured.
func Detect(cfg DetectConfig) Engine {
	if cfg.BaseURL == "" {
		return Unavailable{}
	}
	return NewHTTPEngine(cfg.BaseURL)
}

// Unavailable is the engine of a host without exposure matching support.
type Unavailable struct{}

func (Unavailable) IsAvailable(context.Context) bool { return false }

func (Unavailable) IsEnabled(context.Context) (bool, error) { return false, ErrUnavailable }

func (Unavailable) Start(context.Context) error { return ErrUnavailable }

func (Unavailable) Stop(context.Context) error { return ErrUnavailable }

func (Unavailable) ProvideDiagnosisKeys(context.Context, []string, Configuration, string) error {
	return ErrUnavailable
}

func (Unavailable) GetExposureSummary(context.Context, string) (ExposureSummary, error) {
	return ExposureSummary{}, ErrUnavailable
}

func (Unavailable) GetExposureInformation(context.Context, string) ([]ExposureInformation, error) {
	return nil, ErrUnavailable
}

func (Unavailable) GetTemporaryExposureKeyHistory(context.Context) ([]TemporaryExposureKey, error) {
	return nil, ErrUnavailable
}

func (Unavailable) BluetoothEnabled(context.Context) (bool, bool) { return false, false }
