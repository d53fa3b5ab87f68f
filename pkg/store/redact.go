package store

// Redacted replaces every outward exposure of a sensitive monitor's
// response bodies: span attributes, metric attributes, alert payloads and
// API responses all carry this literal instead.
const Redacted = "Redacted"

// RedactResult replaces the body previews of a result and all of its steps.
// Runners apply it before the store write so raw bodies of sensitive
// monitors never reach any egress.
func RedactResult(r RunResult) RunResult {
	r = r.Clone()
	if r.ResponseBodyPreview != "" {
		r.ResponseBodyPreview = Redacted
	}
	for i := range r.Steps {
		if r.Steps[i].ResponseBodyPreview != "" {
			r.Steps[i].ResponseBodyPreview = Redacted
		}
	}
	return r
}

// StripPreviews removes body previews entirely, as requested by the API's
// show_response=false query parameter.
func StripPreviews(r RunResult) RunResult {
	r = r.Clone()
	r.ResponseBodyPreview = ""
	for i := range r.Steps {
		r.Steps[i].ResponseBodyPreview = ""
	}
	return r
}
