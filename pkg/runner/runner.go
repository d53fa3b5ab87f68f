// Package runner executes probes and stories: resolve, request, expect,
// record, emit, alert. Runners always complete; every failure becomes a
// structured field of the RunResult.
package runner

import (
	"context"
	"net/url"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/xylex-group/xbp-monitoring/pkg/alert"
	"github.com/xylex-group/xbp-monitoring/pkg/config"
	"github.com/xylex-group/xbp-monitoring/pkg/expect"
	"github.com/xylex-group/xbp-monitoring/pkg/prober"
	"github.com/xylex-group/xbp-monitoring/pkg/resolve"
	"github.com/xylex-group/xbp-monitoring/pkg/store"
	"github.com/xylex-group/xbp-monitoring/pkg/telemetry"
)

// Runner ties the engine together for single executions. It is safe for
// concurrent use; overlapping runs of the same monitor each write their own
// result and the store keeps the last completion.
type Runner struct {
	store   *store.Store
	metrics *telemetry.Metrics
	alerts  *alert.Dispatcher
	tracer  trace.Tracer
}

// New builds a runner over the shared store, metric set and dispatcher.
func New(st *store.Store, metrics *telemetry.Metrics, alerts *alert.Dispatcher) *Runner {
	return &Runner{
		store:   st,
		metrics: metrics,
		alerts:  alerts,
		tracer:  otel.Tracer("xbp/runner"),
	}
}

// call is the resolved-template-free request shape shared by probes and
// steps.
type call struct {
	name         string
	url          string
	method       string
	with         *config.InputParameters
	expectations []expect.Expectation
}

// RunProbe executes one probe end to end and returns the recorded result.
func (r *Runner) RunProbe(ctx context.Context, p config.Probe) store.RunResult {
	ctx, span := r.tracer.Start(ctx, p.Name, trace.WithAttributes(
		attribute.String("name", p.Name),
		attribute.String("type", string(store.KindProbe)),
	))
	defer span.End()

	res, _ := r.executeCall(ctx, call{
		name:         p.Name,
		url:          p.URL,
		method:       p.HTTPMethod,
		with:         p.With,
		expectations: p.Expectations,
	}, resolve.NewStepContext())

	if p.Sensitive {
		res = store.RedactResult(res)
	}

	r.store.Put(store.ProbeKey(p.Name), res)
	r.metrics.Emit(ctx, telemetry.Emission{
		Name:       p.Name,
		Type:       string(store.KindProbe),
		DurationMS: float64(res.DurationMS),
		OK:         res.OK,
		StatusCode: statusOf(res),
	})

	if !res.OK {
		span.SetStatus(codes.Error, "probe run failed")
		r.alerts.Dispatch(ctx, store.KindProbe, p.Name, p.Alerts, res)
	}
	return res
}

// RunStory executes the story's steps in declaration order, carrying each
// successful step's response forward for substitution. A failing step
// aborts the remaining steps.
func (r *Runner) RunStory(ctx context.Context, s config.Story) store.RunResult {
	ctx, span := r.tracer.Start(ctx, s.Name, trace.WithAttributes(
		attribute.String("name", s.Name),
		attribute.String("type", string(store.KindStory)),
	))
	defer span.End()

	start := time.Now()
	steps := resolve.NewStepContext()
	result := store.RunResult{
		Timestamp:          start,
		OK:                 true,
		FailedExpectations: []expect.Failure{},
	}

	for i := range s.Steps {
		st := &s.Steps[i]
		stepRes, view := r.runStep(ctx, s, st, steps)

		result.Steps = append(result.Steps, store.StepResult{Name: st.Name, RunResult: stepRes})
		result.HTTPStatusCode = stepRes.HTTPStatusCode
		result.ResponseBodyPreview = stepRes.ResponseBodyPreview

		if !stepRes.OK {
			result.OK = false
			result.Error = stepRes.Error
			result.FailedExpectations = stepRes.FailedExpectations
			break
		}
		steps.Record(st.Name, view)
	}

	result.DurationMS = time.Since(start).Milliseconds()

	r.store.Put(store.StoryKey(s.Name), result)
	r.metrics.Emit(ctx, telemetry.Emission{
		Name:       s.Name,
		Type:       string(store.KindStory),
		DurationMS: float64(result.DurationMS),
		OK:         result.OK,
		StatusCode: statusOf(result),
	})

	if !result.OK {
		span.SetStatus(codes.Error, "story run failed")
		r.alerts.Dispatch(ctx, store.KindStory, s.Name, s.Alerts, result)
	}
	return result
}

func (r *Runner) runStep(ctx context.Context, s config.Story, st *config.Step, steps *resolve.StepContext) (store.RunResult, expect.ResponseView) {
	ctx, span := r.tracer.Start(ctx, st.Name, trace.WithAttributes(
		attribute.String("name", st.Name),
		attribute.String("type", string(store.KindStep)),
		attribute.String("story_name", s.Name),
	))
	defer span.End()

	res, view := r.executeCall(ctx, call{
		name:         st.Name,
		url:          st.URL,
		method:       st.HTTPMethod,
		with:         st.With,
		expectations: st.Expectations,
	}, steps)

	if st.Sensitive || s.Sensitive {
		res = store.RedactResult(res)
	}

	r.metrics.Emit(ctx, telemetry.Emission{
		Name:       st.Name,
		Type:       string(store.KindStep),
		StoryName:  s.Name,
		DurationMS: float64(res.DurationMS),
		OK:         res.OK,
		StatusCode: statusOf(res),
	})
	if !res.OK {
		span.SetStatus(codes.Error, "step failed")
	}
	return res, view
}

// executeCall resolves the request templates, performs the HTTP call and
// evaluates expectations. It never returns an error: transport failures
// and failed expectations land in the result.
func (r *Runner) executeCall(ctx context.Context, c call, steps *resolve.StepContext) (store.RunResult, expect.ResponseView) {
	start := time.Now()
	result := store.RunResult{
		Timestamp:          start,
		FailedExpectations: []expect.Failure{},
	}

	target := resolve.String(ctx, c.url, steps)
	var headers map[string]string
	var body string
	timeout := c.with.Timeout()
	if c.with != nil {
		headers = resolve.Map(ctx, c.with.Headers, steps)
		body = resolve.String(ctx, c.with.Body, steps)
		target = appendQuery(target, resolve.Map(ctx, c.with.QueryParams, steps))
	}

	view, err := prober.Probe().Execute(ctx, c.method, target, headers, body, timeout)
	result.DurationMS = time.Since(start).Milliseconds()

	if err != nil {
		result.Error = err.Error()
		result.OK = false
		return result, view
	}

	code := view.StatusCode
	result.HTTPStatusCode = &code
	result.ResponseBodyPreview = prober.Preview(view.Body)

	for i := range c.expectations {
		e := &c.expectations[i]
		ev := e.WithValue(resolve.String(ctx, e.Value, steps))
		if fail := ev.Evaluate(view); fail != nil {
			result.FailedExpectations = append(result.FailedExpectations, *fail)
		}
	}
	result.OK = len(result.FailedExpectations) == 0
	return result, view
}

// appendQuery merges resolved query parameters into the target URL. A
// malformed URL passes through untouched and fails in the prober instead.
func appendQuery(target string, params map[string]string) string {
	if len(params) == 0 {
		return target
	}
	u, err := url.Parse(target)
	if err != nil {
		return target
	}
	q := u.Query()
	for k, v := range params {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func statusOf(res store.RunResult) int {
	if res.HTTPStatusCode == nil {
		return 0
	}
	return *res.HTTPStatusCode
}
