package types

// Config is the chatloop client configuration. Values merge across layers:
// global config dir, project config, CHATLOOP_CONFIG file,
// CHATLOOP_CONFIG_CONTENT inline JSON, then environment variables.
type Config struct {
	// Schema reference (for editor support)
	Schema string `json:"$schema,omitempty" yaml:"$schema,omitempty"`

	// BaseURL is the inference endpoint both channels talk to.
	BaseURL string `json:"baseURL,omitempty" yaml:"baseURL,omitempty"`

	// APIKey authenticates both channels. Usually supplied via env.
	APIKey string `json:"apiKey,omitempty" yaml:"apiKey,omitempty"`

	// Streaming controls whether incremental delivery is attempted first.
	// nil means enabled.
	Streaming *bool `json:"streaming,omitempty" yaml:"streaming,omitempty"`

	// TurnTimeoutMS bounds a turn's wall-clock time before it is treated
	// as a transport error. 0 means the 60s default.
	TurnTimeoutMS int `json:"turnTimeout,omitempty" yaml:"turnTimeout,omitempty"`

	// FallbackDelayMS is the debounce before the single-shot retry after a
	// streaming failure. 0 means the 100ms default.
	FallbackDelayMS int `json:"fallbackDelay,omitempty" yaml:"fallbackDelay,omitempty"`

	// Reconcile selects which side's session identifier is canonical when
	// the server reports one that differs from the local session.
	Reconcile ReconcileConfig `json:"reconcile,omitempty" yaml:"reconcile,omitempty"`

	// Scope sets the default conversation scope.
	Scope Scope `json:"scope,omitempty" yaml:"scope,omitempty"`

	// Logging configures log output.
	Logging LoggingConfig `json:"logging,omitempty" yaml:"logging,omitempty"`
}

// ReconcileConfig holds session reconciliation settings.
type ReconcileConfig struct {
	// Canonical is "server" (migrate local messages under the server's
	// identifier, the default) or "client" (keep the local identifier).
	Canonical string `json:"canonical,omitempty" yaml:"canonical,omitempty"`
}

// LoggingConfig holds log settings.
type LoggingConfig struct {
	Level  string `json:"level,omitempty" yaml:"level,omitempty"`
	Pretty bool   `json:"pretty,omitempty" yaml:"pretty,omitempty"`
}

const (
	// CanonicalServer migrates toward the server-reported identifier.
	CanonicalServer = "server"
	// CanonicalClient keeps the locally created identifier.
	CanonicalClient = "client"
)

// StreamingEnabled reports whether incremental delivery should be attempted.
func (c *Config) StreamingEnabled() bool {
	return c.Streaming == nil || *c.Streaming
}

// CanonicalSide returns the configured canonical side, defaulting to server.
func (c *Config) CanonicalSide() string {
	if c.Reconcile.Canonical == CanonicalClient {
		return CanonicalClient
	}
	return CanonicalServer
}
