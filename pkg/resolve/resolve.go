// Package resolve substitutes ${{ ... }} tokens inside request templates.
//
// Recognized token forms:
//
//	${{ env.NAME }}                              environment variable
//	${{ generate.uuid }}                         fresh UUID v4 per occurrence
//	${{ steps.<name>.response.body }}            full body of a prior step
//	${{ steps.<name>.response.body.<field> }}    top-level JSON field of it
//
// Unresolvable tokens substitute the empty string and record a warning on
// the current span; resolution never fails and is never applied to its own
// output.
package resolve

import (
	"context"
	"encoding/json"
	"os"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/xylex-group/xbp-monitoring/pkg/expect"
)

const (
	tokenOpen  = "${{"
	tokenClose = "}}"
)

// StepContext accumulates the responses of already-executed steps of the
// story run in progress. Only successfully executed steps are recorded.
type StepContext struct {
	views map[string]expect.ResponseView
}

// NewStepContext returns an empty step context, as used for probe runs.
func NewStepContext() *StepContext {
	return &StepContext{views: make(map[string]expect.ResponseView)}
}

// Record stores a step's response for later lookups.
func (c *StepContext) Record(name string, view expect.ResponseView) {
	c.views[name] = view
}

// Lookup returns the recorded response of a prior step.
func (c *StepContext) Lookup(name string) (expect.ResponseView, bool) {
	v, ok := c.views[name]
	return v, ok
}

// String resolves every token in the template in a single left-to-right
// pass. Substituted values are not rescanned.
func String(ctx context.Context, template string, steps *StepContext) string {
	if !strings.Contains(template, tokenOpen) {
		return template
	}

	var b strings.Builder
	rest := template
	for {
		open := strings.Index(rest, tokenOpen)
		if open < 0 {
			b.WriteString(rest)
			return b.String()
		}
		b.WriteString(rest[:open])
		rest = rest[open+len(tokenOpen):]

		closing := strings.Index(rest, tokenClose)
		if closing < 0 {
			// Unterminated token, keep the raw text.
			b.WriteString(tokenOpen)
			b.WriteString(rest)
			return b.String()
		}
		token := strings.TrimSpace(rest[:closing])
		rest = rest[closing+len(tokenClose):]

		b.WriteString(resolveToken(ctx, token, steps))
	}
}

// Map resolves both keys and values of a string map, as needed for headers
// and query parameters. A nil map resolves to nil.
func Map(ctx context.Context, m map[string]string, steps *StepContext) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[String(ctx, k, steps)] = String(ctx, v, steps)
	}
	return out
}

func resolveToken(ctx context.Context, token string, steps *StepContext) string {
	switch {
	case strings.HasPrefix(token, "env."):
		name := strings.TrimPrefix(token, "env.")
		val, ok := os.LookupEnv(name)
		if !ok {
			warn(ctx, token, "environment variable not set")
			return ""
		}
		return val

	case token == "generate.uuid":
		return uuid.NewString()

	case strings.HasPrefix(token, "steps."):
		return resolveStepToken(ctx, token, steps)

	default:
		warn(ctx, token, "unrecognized token")
		return ""
	}
}

func resolveStepToken(ctx context.Context, token string, steps *StepContext) string {
	rest := strings.TrimPrefix(token, "steps.")
	idx := strings.Index(rest, ".response.body")
	if idx < 0 {
		warn(ctx, token, "only response bodies of prior steps are accessible")
		return ""
	}
	stepName := rest[:idx]
	tail := rest[idx+len(".response.body"):]

	view, ok := steps.Lookup(stepName)
	if !ok {
		warn(ctx, token, "step not executed yet or unknown")
		return ""
	}

	if tail == "" {
		return view.Body
	}
	if !strings.HasPrefix(tail, ".") {
		warn(ctx, token, "malformed step reference")
		return ""
	}
	field := tail[1:]

	var doc map[string]any
	if err := json.Unmarshal([]byte(view.Body), &doc); err != nil {
		warn(ctx, token, "step body is not a JSON object")
		return ""
	}
	val, ok := doc[field]
	if !ok {
		warn(ctx, token, "field missing from step body")
		return ""
	}
	return stringify(val)
}

// stringify renders a decoded JSON value the way it would appear inline:
// strings verbatim, everything else re-encoded.
func stringify(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

func warn(ctx context.Context, token, reason string) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent("resolver.warning", trace.WithAttributes(
		attribute.String("token", token),
		attribute.String("reason", reason),
	))
	span.SetAttributes(attribute.Bool("xbp.resolver.warned", true))
}
