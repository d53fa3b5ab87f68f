package runner

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/xylex-group/xbp-monitoring/pkg/alert"
	"github.com/xylex-group/xbp-monitoring/pkg/config"
	"github.com/xylex-group/xbp-monitoring/pkg/expect"
	"github.com/xylex-group/xbp-monitoring/pkg/prober"
	"github.com/xylex-group/xbp-monitoring/pkg/store"
	"github.com/xylex-group/xbp-monitoring/pkg/telemetry"
)

type harness struct {
	store   *store.Store
	runner  *Runner
	reader  *sdkmetric.ManualReader
	webhook *webhook
}

type webhook struct {
	mu     sync.Mutex
	bodies []string
	srv    *httptest.Server
}

func (w *webhook) url() string { return w.srv.URL }

func (w *webhook) received() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.bodies...)
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	metrics, err := telemetry.NewMetrics(provider.Meter("runner-test"))
	require.NoError(t, err)

	wh := &webhook{}
	wh.srv = httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		wh.mu.Lock()
		wh.bodies = append(wh.bodies, string(raw))
		wh.mu.Unlock()
	}))
	t.Cleanup(wh.srv.Close)

	st := store.New()
	dispatcher := alert.NewDispatcher(prober.NewClient("XBP Alert/test"), nil)
	h := &harness{
		store:   st,
		runner:  New(st, metrics, dispatcher),
		reader:  reader,
		webhook: wh,
	}
	t.Cleanup(dispatcher.Wait)
	return h
}

func (h *harness) metric(t *testing.T, name string) (metricdata.Metrics, bool) {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, h.reader.Collect(context.Background(), &rm))
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if m.Name == name {
				return m, true
			}
		}
	}
	return metricdata.Metrics{}, false
}

func TestRunProbeHappyPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	h := newHarness(t)
	res := h.runner.RunProbe(context.Background(), config.Probe{
		Name:       "ping",
		URL:        srv.URL,
		HTTPMethod: "GET",
		Expectations: []expect.Expectation{
			{Field: expect.FieldStatusCode, Op: expect.OpEquals, Value: "200"},
		},
	})

	assert.True(t, res.OK)
	require.NotNil(t, res.HTTPStatusCode)
	assert.Equal(t, 200, *res.HTTPStatusCode)
	assert.Empty(t, res.FailedExpectations)
	assert.Equal(t, "ok", res.ResponseBodyPreview)
	assert.Empty(t, res.Error)

	stored, ok := h.store.Get(store.ProbeKey("ping"))
	require.True(t, ok)
	assert.True(t, stored.OK)

	runs, ok := h.metric(t, "runs")
	require.True(t, ok)
	assert.EqualValues(t, 1, runs.Data.(metricdata.Sum[int64]).DataPoints[0].Value)
	_, hasErrors := h.metric(t, "errors")
	assert.False(t, hasErrors)
	status, ok := h.metric(t, "status")
	require.True(t, ok)
	assert.EqualValues(t, 0, status.Data.(metricdata.Gauge[int64]).DataPoints[0].Value)
}

func TestRunProbeExpectationFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	h := newHarness(t)
	res := h.runner.RunProbe(context.Background(), config.Probe{
		Name:       "ping",
		URL:        srv.URL,
		HTTPMethod: "GET",
		Expectations: []expect.Expectation{
			{Field: expect.FieldStatusCode, Op: expect.OpEquals, Value: "200"},
		},
		Alerts: []config.AlertTarget{{URL: h.webhook.url()}},
	})

	assert.False(t, res.OK)
	require.NotNil(t, res.HTTPStatusCode)
	assert.Equal(t, 503, *res.HTTPStatusCode)
	require.Len(t, res.FailedExpectations, 1)
	assert.Equal(t, "200", res.FailedExpectations[0].Expected)
	assert.Equal(t, "503", res.FailedExpectations[0].Actual)

	errors, ok := h.metric(t, "errors")
	require.True(t, ok)
	assert.EqualValues(t, 1, errors.Data.(metricdata.Sum[int64]).DataPoints[0].Value)
	status, _ := h.metric(t, "status")
	assert.EqualValues(t, 1, status.Data.(metricdata.Gauge[int64]).DataPoints[0].Value)
}

func TestRunProbeTransportError(t *testing.T) {
	srv := httptest.NewServer(nil)
	srv.Close()

	h := newHarness(t)
	res := h.runner.RunProbe(context.Background(), config.Probe{
		Name:       "gone",
		URL:        srv.URL,
		HTTPMethod: "GET",
	})

	assert.False(t, res.OK)
	assert.Nil(t, res.HTTPStatusCode)
	assert.NotEmpty(t, res.Error)
	assert.Empty(t, res.FailedExpectations)

	code, ok := h.metric(t, "http_status_code")
	require.True(t, ok)
	assert.EqualValues(t, 0, code.Data.(metricdata.Gauge[int64]).DataPoints[0].Value)
}

func TestRunProbeResolvesTemplates(t *testing.T) {
	t.Setenv("XBP_API_KEY", "k-123")

	var gotHeader, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get("X-Api-Key")
		gotQuery = r.URL.Query().Get("request_id")
	}))
	defer srv.Close()

	h := newHarness(t)
	res := h.runner.RunProbe(context.Background(), config.Probe{
		Name:       "templated",
		URL:        srv.URL,
		HTTPMethod: "GET",
		With: &config.InputParameters{
			Headers:     map[string]string{"X-Api-Key": "${{ env.XBP_API_KEY }}"},
			QueryParams: map[string]string{"request_id": "${{ generate.uuid }}"},
		},
	})

	assert.True(t, res.OK)
	assert.Equal(t, "k-123", gotHeader)
	assert.Regexp(t, `^[0-9a-f-]{36}$`, gotQuery)
}

func TestRunProbeSensitiveRedaction(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("TOPSECRET"))
	}))
	defer srv.Close()

	h := newHarness(t)
	res := h.runner.RunProbe(context.Background(), config.Probe{
		Name:       "secret_probe",
		URL:        srv.URL,
		HTTPMethod: "GET",
		Sensitive:  true,
		Expectations: []expect.Expectation{
			{Field: expect.FieldStatusCode, Op: expect.OpEquals, Value: "200"},
		},
		Alerts: []config.AlertTarget{{URL: h.webhook.url()}},
	})

	assert.Equal(t, store.Redacted, res.ResponseBodyPreview)

	stored, _ := h.store.Get(store.ProbeKey("secret_probe"))
	assert.Equal(t, store.Redacted, stored.ResponseBodyPreview)

	h.runner.alerts.Wait()
	bodies := h.webhook.received()
	require.Len(t, bodies, 1)
	assert.Contains(t, bodies[0], store.Redacted)
	assert.NotContains(t, bodies[0], "TOPSECRET")
}

func TestRunProbePreviewTruncated(t *testing.T) {
	long := strings.Repeat("z", prober.PreviewLimit*3)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(long))
	}))
	defer srv.Close()

	h := newHarness(t)
	res := h.runner.RunProbe(context.Background(), config.Probe{
		Name: "big", URL: srv.URL, HTTPMethod: "GET",
	})

	assert.Len(t, res.ResponseBodyPreview, prober.PreviewLimit)
}

func TestRunStoryCrossStepSubstitution(t *testing.T) {
	var gotAuth string
	mux := http.NewServeMux()
	mux.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"token": "abc"})
	})
	mux.HandleFunc("/me", func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{"user":"u"}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	h := newHarness(t)
	res := h.runner.RunStory(context.Background(), config.Story{
		Name: "login_then_get",
		Steps: []config.Step{
			{Name: "login", URL: srv.URL + "/login", HTTPMethod: "POST"},
			{
				Name:       "fetch",
				URL:        srv.URL + "/me",
				HTTPMethod: "GET",
				With: &config.InputParameters{
					Headers: map[string]string{"Authorization": "Bearer ${{ steps.login.response.body.token }}"},
				},
			},
		},
	})

	assert.True(t, res.OK)
	assert.Equal(t, "Bearer abc", gotAuth)
	require.Len(t, res.Steps, 2)
	assert.Equal(t, "login", res.Steps[0].Name)
	assert.Equal(t, "fetch", res.Steps[1].Name)
	assert.True(t, res.Steps[0].OK)
	assert.True(t, res.Steps[1].OK)

	stored, ok := h.store.Get(store.StoryKey("login_then_get"))
	require.True(t, ok)
	assert.True(t, stored.OK)
	assert.Len(t, stored.Steps, 2)
}

func TestRunStoryAbortsOnStepFailure(t *testing.T) {
	var thirdCalled bool
	mux := http.NewServeMux()
	mux.HandleFunc("/ok", func(w http.ResponseWriter, r *http.Request) {})
	mux.HandleFunc("/fail", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	mux.HandleFunc("/never", func(w http.ResponseWriter, r *http.Request) {
		thirdCalled = true
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	h := newHarness(t)
	res := h.runner.RunStory(context.Background(), config.Story{
		Name: "flow",
		Steps: []config.Step{
			{Name: "a", URL: srv.URL + "/ok", HTTPMethod: "GET"},
			{
				Name: "b", URL: srv.URL + "/fail", HTTPMethod: "GET",
				Expectations: []expect.Expectation{
					{Field: expect.FieldStatusCode, Op: expect.OpEquals, Value: "200"},
				},
			},
			{Name: "c", URL: srv.URL + "/never", HTTPMethod: "GET"},
		},
		Alerts: []config.AlertTarget{{URL: h.webhook.url()}},
	})

	assert.False(t, res.OK)
	assert.False(t, thirdCalled, "steps after a failure must not run")
	require.Len(t, res.Steps, 2)
	assert.True(t, res.Steps[0].OK)
	assert.False(t, res.Steps[1].OK)
	require.Len(t, res.FailedExpectations, 1)
	assert.Equal(t, "502", res.FailedExpectations[0].Actual)
}

func TestRunStoryForwardReferenceIsEmpty(t *testing.T) {
	var gotHeader string
	var headerSet bool
	mux := http.NewServeMux()
	mux.HandleFunc("/first", func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get("X-Future")
		_, headerSet = r.Header["X-Future"]
	})
	mux.HandleFunc("/second", func(w http.ResponseWriter, r *http.Request) {})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	h := newHarness(t)
	res := h.runner.RunStory(context.Background(), config.Story{
		Name: "forward",
		Steps: []config.Step{
			{
				Name: "first", URL: srv.URL + "/first", HTTPMethod: "GET",
				With: &config.InputParameters{
					Headers: map[string]string{"X-Future": "${{ steps.second.response.body }}"},
				},
			},
			{Name: "second", URL: srv.URL + "/second", HTTPMethod: "GET"},
		},
	})

	assert.True(t, res.OK)
	assert.True(t, headerSet)
	assert.Equal(t, "", gotHeader)
}

func TestRunStorySensitiveRedactsSteps(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("CONFIDENTIAL"))
	}))
	defer srv.Close()

	h := newHarness(t)
	res := h.runner.RunStory(context.Background(), config.Story{
		Name:      "secret_flow",
		Sensitive: true,
		Steps: []config.Step{
			{Name: "only", URL: srv.URL, HTTPMethod: "GET"},
		},
	})

	assert.True(t, res.OK)
	assert.Equal(t, store.Redacted, res.ResponseBodyPreview)
	require.Len(t, res.Steps, 1)
	assert.Equal(t, store.Redacted, res.Steps[0].ResponseBodyPreview)
}

func TestRunStoryStepMetricsCarryStoryName(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	h := newHarness(t)
	h.runner.RunStory(context.Background(), config.Story{
		Name:  "flow",
		Steps: []config.Step{{Name: "only", URL: srv.URL, HTTPMethod: "GET"}},
	})

	runs, ok := h.metric(t, "runs")
	require.True(t, ok)
	sum := runs.Data.(metricdata.Sum[int64])
	// One story emission plus one step emission.
	assert.Len(t, sum.DataPoints, 2)
	for _, dp := range sum.DataPoints {
		typ, _ := dp.Attributes.Value(attribute.Key("type"))
		if typ.AsString() == string(store.KindStep) {
			storyName, _ := dp.Attributes.Value(attribute.Key("story_name"))
			assert.Equal(t, "flow", storyName.AsString())
		}
	}
}

// The default global meter is a no-op; make sure a runner built on it still
// works, as happens when metrics are disabled.
func TestRunProbeWithNoopMeter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	metrics, err := telemetry.NewMetrics(otel.Meter("noop"))
	require.NoError(t, err)

	r := New(store.New(), metrics, alert.NewDispatcher(prober.NewClient("XBP Alert/test"), nil))
	res := r.RunProbe(context.Background(), config.Probe{Name: "p", URL: srv.URL, HTTPMethod: "GET"})
	assert.True(t, res.OK)
}
