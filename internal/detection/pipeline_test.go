package detection

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/genexuslabs/ExposureNotifications/internal/engine"
	"github.com/genexuslabs/ExposureNotifications/internal/keyserver"
	"github.com/genexuslabs/ExposureNotifications/internal/settings"
	"github.com/genexuslabs/ExposureNotifications/internal/storage"
)

// matchingEngine is an enabled engine that reads every submitted file and
// reports a fixed summary for any token it has seen.
type matchingEngine struct {
	mu       sync.Mutex
	tokens   map[string]int
	contents []string
	summary  engine.ExposureSummary
}

func (m *matchingEngine) IsEnabled(context.Context) (bool, error) { return true, nil }

func (m *matchingEngine) ProvideDiagnosisKeys(_ context.Context, files []string, _ engine.Configuration, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			return err
		}
		m.contents = append(m.contents, string(data))
	}
	m.tokens[token]++
	return nil
}

func (m *matchingEngine) GetExposureSummary(_ context.Context, token string) (engine.ExposureSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tokens[token]; !ok {
		return engine.ExposureSummary{}, nil
	}
	return m.summary, nil
}

func (m *matchingEngine) onlyToken(t *testing.T) string {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	require.Len(t, m.tokens, 1, "every batch is submitted under one token")
	for tok, n := range m.tokens {
		assert.Equal(t, 2, n, "one submission per batch")
		return tok
	}
	return ""
}

func TestPipeline_DownloadSubmitReconcile(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/index.json", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"Keys":["/batch1/a.zip","/batch1/b.zip"]},{"Keys":["/batch2/c.zip"]}]`))
	})
	for _, name := range []string{"a", "b", "c"} {
		body := name
		dir := "/batch1/"
		if name == "c" {
			dir = "/batch2/"
		}
		mux.HandleFunc(dir+name+".zip", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(body))
		})
	}
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	store, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	prefs := settings.NewPreferences(store)
	require.NoError(t, prefs.SetExposureConfiguration(`{"MinimumRiskScore": 5}`))
	tokens := settings.NewTokenRepository(store, 1)

	eng := &matchingEngine{
		tokens:  make(map[string]int),
		summary: engine.ExposureSummary{MatchedKeyCount: 2, MaximumRiskScore: 6},
	}
	keyDir := filepath.Join(t.TempDir(), "keyfiles")
	retry := &fakeRetry{}

	job := NewProvideKeysJob(JobDeps{
		Engine:     eng,
		Downloader: keyserver.NewDownloader(srv.URL+"/index.json", keyDir, 2),
		Submitter:  NewSubmitter(eng, prefs, prefs, time.Second),
		Tokens:     tokens,
		Retry:      retry,
		RunContext: NewRunContext(),
	})

	before := time.Now().Truncate(time.Millisecond)
	require.Equal(t, ResultSuccess, job.Run(context.Background()))
	after := time.Now()

	assert.Empty(t, retry.delays)
	sort.Strings(eng.contents)
	assert.Equal(t, []string{"a", "b", "c"}, eng.contents)

	last := prefs.LastDetectionPerformed()
	assert.False(t, last.Before(before), "last sync %v before run start %v", last, before)
	assert.False(t, last.After(after), "last sync %v after run end %v", last, after)

	left, err := os.ReadDir(keyDir)
	require.NoError(t, err)
	assert.Empty(t, left, "batch files are removed after submission")

	pending, err := tokens.GetAll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pending, "an unresponded token is never persisted")

	token := eng.onlyToken(t)
	events := &fakeEvents{}
	rec := NewReconciler(ReconcilerDeps{
		Engine: eng,
		Config: prefs,
		Tokens: tokens,
		Events: events,
	})
	res, err := rec.Handle(context.Background(), StateUpdated{Token: token})
	require.NoError(t, err)
	assert.Equal(t, ResultSuccess, res)

	all, err := tokens.GetAll(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, token, all[0].ID)
	assert.True(t, all[0].Responded)

	require.Equal(t, 1, events.count())
	assert.Equal(t, EventObject+"/"+EventExposureDetected+"/"+token, events.fired[0])
}
