package models

// Params holds the sampling parameters sent with a request.
// Pointer fields distinguish "unset" from an explicit zero.
type Params struct {
	Temperature *float64 `json:"temperature,omitempty" yaml:"temperature"`
	TopP        *float64 `json:"top_p,omitempty" yaml:"top_p"`
	MaxTokens   int      `json:"max_tokens,omitempty" yaml:"max_tokens"`
	Stop        []string `json:"stop,omitempty" yaml:"stop"`
	Seed        *int64   `json:"seed,omitempty" yaml:"seed"`
}

// Tool describes a function the model may call.
type Tool struct {
	Name        string         `json:"name" yaml:"name"`
	Description string         `json:"description,omitempty" yaml:"description"`
	Parameters  map[string]any `json:"parameters,omitempty" yaml:"parameters"`
}

// Request is the rendered, provider-agnostic representation of one call.
type Request struct {
	Model  string `json:"model"`
	System string `json:"system,omitempty"`
	User   string `json:"user"`
	Params Params `json:"params"`
	Tools  []Tool `json:"tools,omitempty"`
	// PromptCache asks the provider to cache the system prompt prefix.
	// It changes billing only, never the output.
	PromptCache bool `json:"prompt_cache,omitempty"`
}
