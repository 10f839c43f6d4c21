package model

import "time"

// ================ Config ================
type ClassifierModelConfig struct {
	Model       string  `envconfig:"CLASSIFIER_MODEL" default:"gemini-2.5-flash-lite"`
	MaxTokens   int     `envconfig:"CLASSIFIER_MAX_TOKENS" default:"1024"`
	Temperature float32 `envconfig:"CLASSIFIER_TEMPERATURE" default:"0.1"`
}

type ResponseModelConfig struct {
	Model       string  `envconfig:"RESPONSE_MODEL" default:"gemini-2.5-flash"`
	MaxTokens   int     `envconfig:"RESPONSE_MAX_TOKENS" default:"2000"`
	Temperature float32 `envconfig:"RESPONSE_TEMPERATURE" default:"0.4"`
}

// GatewayConfig is the retry/timeout policy shared by all three call kinds.
type GatewayConfig struct {
	MaxAttempts    int           `envconfig:"LLM_MAX_ATTEMPTS" default:"3"`
	InitialBackoff time.Duration `envconfig:"LLM_INITIAL_BACKOFF" default:"500ms"`
	MaxBackoff     time.Duration `envconfig:"LLM_MAX_BACKOFF" default:"5s"`
	AttemptTimeout time.Duration `envconfig:"LLM_ATTEMPT_TIMEOUT" default:"30s"`
	// RateLimit is requests per second across the process; 0 disables limiting.
	RateLimit float64 `envconfig:"LLM_RATE_LIMIT" default:"0"`
	RateBurst int     `envconfig:"LLM_RATE_BURST" default:"5"`
}

type PipelineConfig struct {
	StrictVariables  bool          `envconfig:"PIPELINE_STRICT_VARIABLES" default:"false"`
	TurnTimeout      time.Duration `envconfig:"PIPELINE_TURN_TIMEOUT" default:"60s"`
	HistoryMaxTurns  int           `envconfig:"PIPELINE_HISTORY_MAX_TURNS" default:"10"`
	MaxContentLength int           `envconfig:"PIPELINE_MAX_CONTENT_LENGTH" default:"10000"`
	DefaultSessionID string        `envconfig:"PIPELINE_DEFAULT_SESSION_ID" default:"default"`
}

type CacheConfig struct {
	TTL               time.Duration `envconfig:"CACHE_TTL" default:"15m"`
	Prefix            string        `envconfig:"CACHE_PREFIX" default:"turnflow"`
	VariableCacheSize int           `envconfig:"VARIABLE_CACHE_SIZE" default:"1024"`
}
