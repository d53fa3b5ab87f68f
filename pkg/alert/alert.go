// Package alert sends webhook notifications for failed monitor runs.
// Dispatch is best-effort: a slow or broken webhook never fails a run or
// delays a scheduler.
package alert

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/xylex-group/xbp-monitoring/pkg/config"
	"github.com/xylex-group/xbp-monitoring/pkg/expect"
	"github.com/xylex-group/xbp-monitoring/pkg/prober"
	"github.com/xylex-group/xbp-monitoring/pkg/store"
)

// Payload is the JSON body posted to alert webhooks. The body preview is
// already redacted for sensitive monitors before it reaches the dispatcher.
type Payload struct {
	Kind                string           `json:"kind"`
	Monitor             string           `json:"monitor"`
	Timestamp           time.Time        `json:"timestamp"`
	DurationMS          int64            `json:"duration_ms"`
	HTTPStatusCode      *int             `json:"http_status_code"`
	Error               string           `json:"error,omitempty"`
	FailedExpectations  []expect.Failure `json:"failed_expectations"`
	ResponseBodyPreview string           `json:"response_body_preview,omitempty"`
}

// Dispatcher fans failed runs out to their configured webhook targets.
type Dispatcher struct {
	client  *prober.Client
	journal *Journal
	wg      sync.WaitGroup
}

// NewDispatcher builds a dispatcher on the alerts HTTP client. The journal
// is optional.
func NewDispatcher(client *prober.Client, journal *Journal) *Dispatcher {
	if client == nil {
		client = prober.Alert()
	}
	return &Dispatcher{client: client, journal: journal}
}

// Dispatch sends the failure to every target on detached goroutines and
// returns immediately. Transport errors are logged and recorded on the
// span, never propagated.
func (d *Dispatcher) Dispatch(ctx context.Context, kind store.Kind, name string, targets []config.AlertTarget, res store.RunResult) {
	if len(targets) == 0 {
		return
	}

	payload := Payload{
		Kind:                string(kind),
		Monitor:             name,
		Timestamp:           res.Timestamp,
		DurationMS:          res.DurationMS,
		HTTPStatusCode:      res.HTTPStatusCode,
		Error:               res.Error,
		FailedExpectations:  res.FailedExpectations,
		ResponseBodyPreview: prober.Preview(res.ResponseBodyPreview),
	}

	// Detach from the run's cancellation but keep its trace linkage.
	ctx = context.WithoutCancel(ctx)
	for _, target := range targets {
		d.wg.Add(1)
		go func(target config.AlertTarget) {
			defer d.wg.Done()
			d.send(ctx, target, payload)
		}(target)
	}
}

// Wait blocks until every in-flight webhook send finished. Used on
// shutdown and in tests.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) send(ctx context.Context, target config.AlertTarget, payload Payload) {
	tracer := otel.Tracer("xbp/alert")
	ctx, span := tracer.Start(ctx, "alert.dispatch",
		trace.WithAttributes(
			attribute.String("alert.url", target.URL),
			attribute.String("name", payload.Monitor),
			attribute.String("type", payload.Kind),
		))
	defer span.End()

	body := target.Body
	if body == "" {
		raw, err := json.Marshal(payload)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return
		}
		body = string(raw)
	}

	headers := map[string]string{"Content-Type": "application/json"}
	for k, v := range target.Headers {
		headers[k] = v
	}

	outcome := "sent"
	_, err := d.client.Execute(ctx, "POST", target.URL, headers, body, 0)
	if err != nil {
		outcome = "failed"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		slog.Error("alert dispatch failed",
			"monitor", payload.Monitor,
			"kind", payload.Kind,
			"url", target.URL,
			"error", err)
	}

	if d.journal != nil {
		entry := Entry{
			MonitorKind: payload.Kind,
			MonitorName: payload.Monitor,
			TargetURL:   target.URL,
			Outcome:     outcome,
			Detail:      summarize(payload),
		}
		if jerr := d.journal.Record(ctx, entry); jerr != nil {
			slog.Warn("alert journal write failed", "error", jerr)
		}
	}
}

// summarize builds the short human-readable detail stored in the journal.
func summarize(p Payload) string {
	if p.Error != "" {
		return p.Error
	}
	if len(p.FailedExpectations) > 0 {
		f := p.FailedExpectations[0]
		return string(f.Field) + " " + string(f.Op) + " " + f.Expected + " (actual " + f.Actual + ")"
	}
	return "run failed"
}
