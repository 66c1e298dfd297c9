package diagraph

import "diagraph/llm"

// Config holds all configuration for the diagraph engine. Every field
// reloads only on restart except the Chat and Embedding LLM credentials,
// which support hot-reload via UpdateLLMConfig.
type Config struct {
	// ProjectsRoot is the directory under which named workspaces live.
	ProjectsRoot string `json:"projects_root" yaml:"projects_root"`

	// DefaultWorkspace names the workspace created and loaded at startup.
	DefaultWorkspace string `json:"default_workspace" yaml:"default_workspace"`

	// LLM endpoints.
	Chat      LLMConfig `json:"chat" yaml:"chat"`
	Embedding LLMConfig `json:"embedding" yaml:"embedding"`
	Vision    LLMConfig `json:"vision" yaml:"vision"`

	// EmbeddingDim must match the embedding model's output dimension.
	EmbeddingDim int `json:"embedding_dim" yaml:"embedding_dim"`

	// Chunking windows: big drives intermediate extraction,
	// small drives retrieval/drilldown.
	BigChunkSize      int `json:"big_chunk_size" yaml:"big_chunk_size"`
	BigChunkOverlap   int `json:"big_chunk_overlap" yaml:"big_chunk_overlap"`
	SmallChunkSize    int `json:"small_chunk_size" yaml:"small_chunk_size"`
	SmallChunkOverlap int `json:"small_chunk_overlap" yaml:"small_chunk_overlap"`

	// GraphConcurrency bounds Stage-2/3 worker pool size.
	GraphConcurrency int `json:"graph_concurrency" yaml:"graph_concurrency"`

	// DrilldownTopK bounds the number of focus nodes processed in Stage 3.
	DrilldownTopK int `json:"drilldown_top_k" yaml:"drilldown_top_k"`

	// OptimizeMaxIterations bounds Stage 4's convergence loop.
	OptimizeMaxIterations int `json:"optimize_max_iterations" yaml:"optimize_max_iterations"`

	// MaxRevisions bounds the validate-revise loop.
	MaxRevisions int `json:"max_revisions" yaml:"max_revisions"`

	// GitIngestTopN bounds how many of a cloned repository's classified
	// files AnalyzeRepository sends through per-file LLM analysis.
	GitIngestTopN int `json:"git_ingest_top_n" yaml:"git_ingest_top_n"`

	// RetrieverAnchorThreshold / RouterExperienceThreshold are vector-search
	// similarity cutoffs.
	RetrieverAnchorThreshold  float64 `json:"retriever_anchor_threshold" yaml:"retriever_anchor_threshold"`
	RouterExperienceThreshold float64 `json:"router_experience_threshold" yaml:"router_experience_threshold"`

	// ValidatorURL is the external renderer round-trip endpoint.
	ValidatorURL string `json:"validator_url" yaml:"validator_url"`

	// LLMTimeoutSeconds is the per-call timeout for LLM requests.
	LLMTimeoutSeconds int `json:"llm_timeout_seconds" yaml:"llm_timeout_seconds"`

	// LlamaParseAPIKey, when set, routes legacy binary formats (doc, xls,
	// ppt) through the LlamaParse hosted API instead of failing ingestion
	// for those files. LlamaParseBaseURL overrides the default endpoint.
	LlamaParseAPIKey  string `json:"llamaparse_api_key" yaml:"llamaparse_api_key"`
	LlamaParseBaseURL string `json:"llamaparse_base_url" yaml:"llamaparse_base_url"`
}

// LLMConfig configures a single LLM provider endpoint, mirroring
// llm.Config's field names for drop-in hot-reload.
type LLMConfig struct {
	Provider string `json:"provider" yaml:"provider"`
	Model    string `json:"model" yaml:"model"`
	BaseURL  string `json:"base_url" yaml:"base_url"`
	APIKey   string `json:"api_key" yaml:"api_key"`
}

func (c LLMConfig) toProviderConfig() llm.Config {
	return llm.Config{Provider: c.Provider, Model: c.Model, BaseURL: c.BaseURL, APIKey: c.APIKey}
}

// DefaultConfig returns a Config with sensible defaults for local inference.
func DefaultConfig() Config {
	return Config{
		ProjectsRoot:     "./projects",
		DefaultWorkspace: "default",
		Chat: LLMConfig{
			Provider: "ollama",
			Model:    "llama3.1:8b",
			BaseURL:  "http://localhost:11434",
		},
		Embedding: LLMConfig{
			Provider: "ollama",
			Model:    "nomic-embed-text",
			BaseURL:  "http://localhost:11434",
		},
		Vision: LLMConfig{
			Provider: "ollama",
			Model:    "llama3.2-vision",
			BaseURL:  "http://localhost:11434",
		},
		EmbeddingDim:              768,
		BigChunkSize:              1500,
		BigChunkOverlap:           200,
		SmallChunkSize:            500,
		SmallChunkOverlap:         100,
		GraphConcurrency:          8,
		DrilldownTopK:             20,
		OptimizeMaxIterations:     3,
		MaxRevisions:              3,
		GitIngestTopN:             10,
		RetrieverAnchorThreshold:  0.35,
		RouterExperienceThreshold: 0.40,
		LLMTimeoutSeconds:         60,
	}
}
