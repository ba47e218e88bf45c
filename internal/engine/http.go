package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// HTTPEngine talks to a matching-engine daemon over HTTP.
type HTTPEngine struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPEngine creates an HTTPEngine targeting the given base URL.
func NewHTTPEngine(baseURL string) *HTTPEngine {
	return &HTTPEngine{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 0,
		},
	}
}

func (e *HTTPEngine) status(ctx context.Context) (Status, error) {
	var st Status
	if err := e.getJSON(ctx, "/v1/status", nil, &st); err != nil {
		return Status{}, err
	}
	return st, nil
}

// IsAvailable returns true if the daemon answers GET /v1/status and reports
// itself available.
func (e *HTTPEngine) IsAvailable(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	st, err := e.status(ctx)
	if err != nil {
		return false
	}
	return st.Available
}

func (e *HTTPEngine) IsEnabled(ctx context.Context) (bool, error) {
	st, err := e.status(ctx)
	if err != nil {
		return false, fmt.Errorf("querying engine status: %w", err)
	}
	return st.Enabled, nil
}

func (e *HTTPEngine) BluetoothEnabled(ctx context.Context) (bool, bool) {
	st, err := e.status(ctx)
	if err != nil || st.BluetoothEnabled == nil {
		return false, false
	}
	return *st.BluetoothEnabled, true
}

func (e *HTTPEngine) Start(ctx context.Context) error {
	return e.post(ctx, "/v1/start")
}

func (e *HTTPEngine) Stop(ctx context.Context) error {
	return e.post(ctx, "/v1/stop")
}

// ProvideDiagnosisKeys uploads files as a multipart form together with the
// token and the scoring configuration.
func (e *HTTPEngine) ProvideDiagnosisKeys(ctx context.Context, files []string, cfg Configuration, token string) error {
	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encoding configuration: %w", err)
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("token", token); err != nil {
		return err
	}
	if err := mw.WriteField("configuration", string(cfgJSON)); err != nil {
		return err
	}
	for _, path := range files {
		if err := addFilePart(mw, path); err != nil {
			return err
		}
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("closing multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/v1/diagnosis-keys", &body)
	if err != nil {
		return fmt.Errorf("creating provide request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("provide request: %w", err)
	}
	defer resp.Body.Close()

	return checkStatus("provide diagnosis keys", resp)
}

func addFilePart(mw *multipart.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening key file: %w", err)
	}
	defer f.Close()

	part, err := mw.CreateFormFile("keys", filepath.Base(path))
	if err != nil {
		return fmt.Errorf("creating form file: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return fmt.Errorf("copying key file %s: %w", path, err)
	}
	return nil
}

func (e *HTTPEngine) GetExposureSummary(ctx context.Context, token string) (ExposureSummary, error) {
	var s ExposureSummary
	if err := e.getJSON(ctx, "/v1/exposure-summary", url.Values{"token": {token}}, &s); err != nil {
		return ExposureSummary{}, fmt.Errorf("exposure summary: %w", err)
	}
	return s, nil
}

func (e *HTTPEngine) GetExposureInformation(ctx context.Context, token string) ([]ExposureInformation, error) {
	var info []ExposureInformation
	if err := e.getJSON(ctx, "/v1/exposure-information", url.Values{"token": {token}}, &info); err != nil {
		return nil, fmt.Errorf("exposure information: %w", err)
	}
	return info, nil
}

func (e *HTTPEngine) GetTemporaryExposureKeyHistory(ctx context.Context) ([]TemporaryExposureKey, error) {
	var keys []TemporaryExposureKey
	if err := e.getJSON(ctx, "/v1/temporary-exposure-keys", nil, &keys); err != nil {
		return nil, fmt.Errorf("temporary exposure keys: %w", err)
	}
	for i := range keys {
		keys[i] = keys[i].Normalized()
	}
	return keys, nil
}

func (e *HTTPEngine) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	u := e.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("requesting %s: %w", path, err)
	}
	defer resp.Body.Close()

	if err := checkStatus(path, resp); err != nil {
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func (e *HTTPEngine) post(ctx context.Context, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	resp, err := e.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("requesting %s: %w", path, err)
	}
	defer resp.Body.Close()
	return checkStatus(path, resp)
}

func checkStatus(op string, resp *http.Response) error {
	switch resp.StatusCode {
	case http.StatusOK, http.StatusAccepted, http.StatusNoContent:
		return nil
	case http.StatusPreconditionRequired:
		return fmt.Errorf("%s: %w", op, ErrResolutionRequired)
	case http.StatusServiceUnavailable:
		return fmt.Errorf("%s: %w", op, ErrUnavailable)
	default:
		return fmt.Errorf("%s: unexpected status %d", op, resp.StatusCode)
	}
}
