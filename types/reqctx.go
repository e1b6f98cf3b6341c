package types

import "time"

// RequestContext carries per-request routing and accounting state. It is
// created at ingress, mutated only by the goroutine handling the request,
// and never shared between requests.
type RequestContext struct {
	ID             string
	Credential     string
	Endpoint       string
	ClientProtocol Protocol

	// Provider fields are set exactly once, before the upstream call.
	Provider         string
	ProviderProtocol Protocol

	Model       string // model named by the client
	MappedModel string // upstream model after map resolution
	Streaming   bool

	Start      time.Time
	FirstToken time.Time

	InputTokens  int
	OutputTokens int

	ErrorCode ErrorCode
}

// CredentialLabel returns the credential name bounded for metric labels;
// unauthenticated requests count as "anonymous".
func (rc *RequestContext) CredentialLabel() string {
	if rc.Credential == "" {
		return "anonymous"
	}
	return rc.Credential
}

// ProviderLabel returns the provider name bounded for metric labels.
func (rc *RequestContext) ProviderLabel() string {
	if rc.Provider == "" {
		return "unknown"
	}
	return rc.Provider
}

// MarkFirstToken records the first-token timestamp once.
func (rc *RequestContext) MarkFirstToken() {
	if rc.FirstToken.IsZero() {
		rc.FirstToken = time.Now()
	}
}

// TTFT returns the time to first token, or zero if no token was observed.
func (rc *RequestContext) TTFT() time.Duration {
	if rc.FirstToken.IsZero() {
		return 0
	}
	return rc.FirstToken.Sub(rc.Start)
}

// TokensPerSecond computes the output token rate from first token to end.
// Returns 0 when it cannot be computed.
func (rc *RequestContext) TokensPerSecond(end time.Time) float64 {
	if rc.FirstToken.IsZero() || rc.OutputTokens == 0 {
		return 0
	}
	elapsed := end.Sub(rc.FirstToken).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(rc.OutputTokens) / elapsed
}
