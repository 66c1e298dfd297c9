// Package router implements the Router: diagram-type
// selection and structured-blueprint extraction, optionally informed by
// Experience Memory, plus learning from successful generations.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"diagraph/experience"
	"diagraph/internal/derrors"
	"diagraph/llm"
)

// DiagramTemplates is the closed set of diagram types the router may
// choose between in RouteAndAnalyze.
var DiagramTemplates = []string{
	"flowchart", "sequenceDiagram", "classDiagram", "stateDiagram", "erDiagram",
	"userJourney", "gantt", "pie", "mindmap", "timeline", "gitgraph",
	"c4context", "quadrantChart", "xyChart", "block", "architecture", "graphviz",
}

const (
	defaultExperienceThreshold = 0.40
	defaultExperienceTopK      = 10
	fallbackTemplate           = "flowchart.md"
)

// Blueprint is the router's structured decision.
type Blueprint struct {
	Reason          string `json:"reason"`
	TargetPromptFile string `json:"target_prompt_file"`
	AnalysisContent string `json:"analysis_content"`
}

// Config tunes experience injection.
type Config struct {
	ExperienceThreshold float64
	ExperienceTopK      int
	ExperienceFile      string // durable JSON path for learn_from_success
}

func (c Config) withDefaults() Config {
	if c.ExperienceThreshold <= 0 {
		c.ExperienceThreshold = defaultExperienceThreshold
	}
	if c.ExperienceTopK <= 0 {
		c.ExperienceTopK = defaultExperienceTopK
	}
	return c
}

// Router selects a diagram template and extracts a structured blueprint.
type Router struct {
	chat       llm.Provider
	experience *experience.Store
	cfg        Config
}

// New returns a Router. experienceStore may be nil, in which case
// use_experience is always treated as false.
func New(chat llm.Provider, experienceStore *experience.Store, cfg Config) *Router {
	return &Router{chat: chat, experience: experienceStore, cfg: cfg.withDefaults()}
}

// RouteAndAnalyze picks a diagram template for target from the closed set
// of DiagramTemplates and extracts a structured Blueprint, optionally
// injecting prior successful strategies as Reference Memory.
func (r *Router) RouteAndAnalyze(ctx context.Context, docContext, target string, useExperience bool) (Blueprint, error) {
	var referenceMemory string
	if useExperience && r.experience != nil {
		records, err := r.experience.Search(ctx, target, r.cfg.ExperienceTopK, r.cfg.ExperienceThreshold)
		if err != nil {
			return Blueprint{}, fmt.Errorf("router: searching experience: %w", err)
		}
		referenceMemory = formatReferenceMemory(records)
	}

	prompt := buildRoutePrompt(docContext, target, referenceMemory)
	resp, err := r.chat.Chat(ctx, llm.ChatRequest{
		Messages:       []llm.Message{{Role: "user", Content: prompt}},
		Temperature:    0.0,
		ResponseFormat: "json_object",
	})
	if err != nil {
		return Blueprint{}, derrors.New(derrors.BackendUnavailable, "router: route_and_analyze", err)
	}

	var bp Blueprint
	if err := json.Unmarshal([]byte(resp.Content), &bp); err != nil || bp.TargetPromptFile == "" {
		return Blueprint{
			Reason:          "fallback: router JSON parse error",
			TargetPromptFile: fallbackTemplate,
			AnalysisContent: truncate(docContext, 2000),
		}, nil
	}

	bp.TargetPromptFile = normalizeMDSuffix(bp.TargetPromptFile)
	return bp, nil
}

// AnalyzeSpecificMode skips template selection and forces specificType,
// overriding any model hallucination in the returned filename.
func (r *Router) AnalyzeSpecificMode(ctx context.Context, docContext, target, specificType string) (Blueprint, error) {
	prompt := buildSpecificPrompt(docContext, target, specificType)
	resp, err := r.chat.Chat(ctx, llm.ChatRequest{
		Messages:       []llm.Message{{Role: "user", Content: prompt}},
		Temperature:    0.0,
		ResponseFormat: "json_object",
	})
	if err != nil {
		return Blueprint{}, derrors.New(derrors.BackendUnavailable, "router: analyze_specific_mode", err)
	}

	var bp Blueprint
	if err := json.Unmarshal([]byte(resp.Content), &bp); err != nil {
		bp = Blueprint{Reason: "fallback: router JSON parse error", AnalysisContent: truncate(docContext, 2000)}
	}
	bp.TargetPromptFile = normalizeMDSuffix(specificType)
	return bp, nil
}

// LearnFromSuccess extracts a generic {q, a} strategy from a successful
// generation, dedups by q, persists it durably, and hot-inserts it into
// the router's experience index.
func (r *Router) LearnFromSuccess(ctx context.Context, userQuery, validCode string) error {
	if r.experience == nil {
		return nil
	}

	prompt := fmt.Sprintf(learnPrompt, userQuery, truncate(validCode, 1000))
	resp, err := r.chat.Chat(ctx, llm.ChatRequest{
		Messages:       []llm.Message{{Role: "user", Content: prompt}},
		Temperature:    0.0,
		ResponseFormat: "json_object",
	})
	if err != nil {
		return fmt.Errorf("router: learn_from_success chat: %w", err)
	}

	var pair experience.Record
	if err := json.Unmarshal([]byte(resp.Content), &pair); err != nil || pair.Q == "" || pair.A == "" {
		return fmt.Errorf("router: learn_from_success decoding strategy: %w", err)
	}
	pair.SourceCode = validCode

	if r.cfg.ExperienceFile != "" {
		added, err := experience.PersistAppend(r.cfg.ExperienceFile, pair)
		if err != nil {
			return fmt.Errorf("router: persisting strategy: %w", err)
		}
		if !added {
			return nil
		}
	}

	return r.experience.AddRecord(ctx, pair, "runtime_learning")
}

const routePromptTemplate = `You are a Visualization Architect. Analyze the following content and target.

Available diagram types (choose exactly one): %s

[Context]:
%s

[Target]:
%s
%s
Output a JSON object with exactly these keys:
{"reason": "...", "target_prompt_file": "<diagram_type>.md", "analysis_content": "..."}`

func buildRoutePrompt(docContext, target, referenceMemory string) string {
	return fmt.Sprintf(routePromptTemplate, strings.Join(DiagramTemplates, ", "), docContext, target, referenceMemory)
}

const specificPromptTemplate = `You are a Visualization Architect. Produce a structured blueprint for a %s diagram.

[Context]:
%s

[Target]:
%s

Output a JSON object with exactly these keys:
{"reason": "...", "target_prompt_file": "%s.md", "analysis_content": "..."}`

func buildSpecificPrompt(docContext, target, specificType string) string {
	return fmt.Sprintf(specificPromptTemplate, specificType, docContext, target, specificType)
}

const learnPrompt = `You are an Experience Extractor. Analyze the User Query and the Generated Diagram Code.
Extract a generic Experience Pair in JSON:
{"q": "Abstract Scenario (e.g., Microservice Trace)", "a": "Design Strategy (e.g., Use sequenceDiagram with activation bars...)"}

User Query:
%s

Generated Code:
%s`

func formatReferenceMemory(records []experience.Record) string {
	if len(records) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("\n### Reference Design Strategies (From Past Success):\n")
	for i, r := range records {
		fmt.Fprintf(&b, "%d. %s\n", i+1, r.A)
	}
	return b.String()
}

func normalizeMDSuffix(name string) string {
	if strings.HasSuffix(name, ".md") {
		return name
	}
	return name + ".md"
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
