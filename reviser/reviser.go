// Package reviser implements the Code Reviser:
// mistake-book-informed syntax repair, pure-transform optimization, and
// recording distilled fix rules back into Experience Memory.
package reviser

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"diagraph/experience"
	"diagraph/internal/derrors"
	"diagraph/llm"
)

const (
	maxMistakeHits    = 6
	mistakeThreshold  = 0.0 // revise_code's mistake book has no stated minimum; rely on topK alone
	codeSnippetLength = 200
	recordSnippetLen  = 300
)

// Attempt is one prior (code, error) pair from a failed revision round.
type Attempt struct {
	Code  string
	Error string
}

// Config tunes the diagram language named in prompts.
type Config struct {
	Language    string
	MistakeFile string
}

func (c Config) withDefaults() Config {
	if c.Language == "" {
		c.Language = "mermaid"
	}
	return c
}

// Reviser repairs and optimizes diagram code, optionally consulting a
// mistake-book Experience Memory.
type Reviser struct {
	chat     llm.Provider
	mistakes *experience.Store
	cfg      Config
}

// New returns a Reviser. mistakeStore may be nil, in which case
// useMistakeBook is always treated as false.
func New(chat llm.Provider, mistakeStore *experience.Store, cfg Config) *Reviser {
	return &Reviser{chat: chat, mistakes: mistakeStore, cfg: cfg.withDefaults()}
}

// reviseCodePrompt builds the mistake-book-informed system/user prompt pair
// shared by ReviseCode and ReviseCodeStream.
func (r *Reviser) reviseCodePrompt(ctx context.Context, code, errorMessage string, previousAttempts []Attempt, useMistakeBook bool) (systemPrompt, userContent string, err error) {
	referenceContext := "No specific past experience found. Follow standard syntax."
	if useMistakeBook && r.mistakes != nil {
		searchQuery := errorMessage
		if searchQuery == "" {
			searchQuery = truncate(code, codeSnippetLength)
		}
		records, err := r.mistakes.Search(ctx, searchQuery, maxMistakeHits, mistakeThreshold)
		if err != nil {
			return "", "", fmt.Errorf("reviser: searching mistake book: %w", err)
		}
		if len(records) > 0 {
			lines := make([]string, len(records))
			for i, rec := range records {
				lines[i] = rec.A
			}
			referenceContext = strings.Join(lines, "\n- ")
		}
	}

	systemPrompt = buildReviseSystemPrompt(r.cfg.Language, referenceContext, previousAttempts)

	userContent = fmt.Sprintf("Bad Code:\n%s\n\n", code)
	if errorMessage != "" {
		userContent += fmt.Sprintf("Error Log:\n%s\n\nPlease fix the code specifically addressing the Error Log above.", errorMessage)
	}
	return systemPrompt, userContent, nil
}

// ReviseCode fixes syntax errors in code without changing its logic,
// consulting up to 6 similar past mistakes when useMistakeBook is set.
func (r *Reviser) ReviseCode(ctx context.Context, code, errorMessage string, previousAttempts []Attempt, useMistakeBook bool) (string, error) {
	systemPrompt, userContent, err := r.reviseCodePrompt(ctx, code, errorMessage, previousAttempts, useMistakeBook)
	if err != nil {
		return "", err
	}

	resp, err := r.chat.Chat(ctx, llm.ChatRequest{
		Messages: []llm.Message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userContent},
		},
		Temperature: 0.0,
	})
	if err != nil {
		return code, derrors.New(derrors.BackendUnavailable, "reviser: revise_code", err)
	}

	return stripFences(resp.Content), nil
}

// ReviseCodeStream is ReviseCode's typewriter-delivery variant: it builds
// the identical mistake-book-informed prompt but invokes fn with each
// content delta as it arrives instead of returning the assembled string,
// for callers rendering the fix live (e.g. an SSE response) rather than
// waiting on the full validate-revise loop's final result.
func (r *Reviser) ReviseCodeStream(ctx context.Context, code, errorMessage string, previousAttempts []Attempt, useMistakeBook bool, fn llm.StreamFunc) error {
	systemPrompt, userContent, err := r.reviseCodePrompt(ctx, code, errorMessage, previousAttempts, useMistakeBook)
	if err != nil {
		return err
	}

	err = r.chat.ChatStream(ctx, llm.ChatRequest{
		Messages: []llm.Message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userContent},
		},
		Temperature: 0.0,
	}, fn)
	if err != nil {
		return derrors.New(derrors.BackendUnavailable, "reviser: revise_code_stream", err)
	}
	return nil
}

// OptimizeCode applies instruction to code via a pure LLM transform, with
// no mistake-book retrieval. Its result feeds the standard validate-
// revise loop.
func (r *Reviser) OptimizeCode(ctx context.Context, code, instruction string) (string, error) {
	systemPrompt := "You are an expert Mermaid Diagram Specialist.\n" +
		"Your task is to MODIFY the provided Mermaid code based strictly on the User Instruction.\n" +
		"Rules:\n" +
		"1. Output ONLY the modified Mermaid code.\n" +
		"2. Do not add markdown code blocks. Just the code text.\n" +
		"3. Maintain the original diagram logic unless the instruction explicitly asks to change it.\n" +
		"4. If the instruction involves global preferences, apply them accurately."

	userContent := fmt.Sprintf("Current Code:\n%s\n\nOptimization Instruction:\n%s", code, instruction)

	resp, err := r.chat.Chat(ctx, llm.ChatRequest{
		Messages: []llm.Message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userContent},
		},
		Temperature: 0.2,
	})
	if err != nil {
		return code, nil // pure transform degrades to returning the original code on failure
	}
	return stripFences(resp.Content), nil
}

// RecordMistake distills a generic {q, a} fix rule from a (bad code,
// error, fixed code) triple, dedups by q, persists durably, and
// hot-inserts into the mistake index.
func (r *Reviser) RecordMistake(ctx context.Context, badCode, errorMessage, fixedCode string) error {
	if r.mistakes == nil {
		return nil
	}

	systemPrompt := "You are a Tech Lead summarizing coding mistakes.\n" +
		"Compare the Bad Code and Fixed Code based on the Error Log.\n" +
		"Extract a GENERIC rule in JSON format: {\"q\": \"Error feature\", \"a\": \"Fix strategy\"}.\n" +
		"Rules:\n" +
		"1. 'q' should capture the key part of the error message, for vector matching.\n" +
		"2. 'a' should be general advice, not specific to this user's variable names.\n" +
		"3. Output JSON ONLY."

	userContent := fmt.Sprintf("Error: %s\nBad Code Fragment: %s\nFixed Code Fragment: %s",
		errorMessage, truncate(badCode, recordSnippetLen), truncate(fixedCode, recordSnippetLen))

	resp, err := r.chat.Chat(ctx, llm.ChatRequest{
		Messages:       []llm.Message{{Role: "system", Content: systemPrompt}, {Role: "user", Content: userContent}},
		Temperature:    0.0,
		ResponseFormat: "json_object",
	})
	if err != nil {
		return fmt.Errorf("reviser: record_mistake chat: %w", err)
	}

	var rule experience.Record
	if err := json.Unmarshal([]byte(resp.Content), &rule); err != nil || rule.Q == "" || rule.A == "" {
		return fmt.Errorf("reviser: decoding distilled rule: %w", err)
	}

	if r.cfg.MistakeFile != "" {
		added, err := experience.PersistAppend(r.cfg.MistakeFile, rule)
		if err != nil {
			return fmt.Errorf("reviser: persisting mistake: %w", err)
		}
		if !added {
			return nil
		}
	}

	return r.mistakes.AddSingle(ctx, rule.Q, rule.A, "auto_recorded")
}

func buildReviseSystemPrompt(language, referenceContext string, previousAttempts []Attempt) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are an expert Code Reviser for %s.\n", language)
	b.WriteString("Your goal is to fix the code to make it renderable.\n\n")
	b.WriteString("### Knowledge Base (Past Experience & Rules)\n")
	b.WriteString(referenceContext)
	b.WriteString("\n")

	if len(previousAttempts) > 0 {
		b.WriteString("\n### FAILED ATTEMPTS (DO NOT REPEAT)\n")
		b.WriteString("The following solutions have already been tried and failed. Generate a DIFFERENT solution.\n")
		for i, a := range previousAttempts {
			fmt.Fprintf(&b, "--- Attempt %d ---\n[Code Snippet]:\n%s\n[Resulting Error]: %s\n", i+1, truncate(a.Code, codeSnippetLength), a.Error)
		}
	}

	b.WriteString("\n### Instructions\n")
	b.WriteString("1. Focus strictly on fixing syntax errors.\n")
	b.WriteString("2. Do NOT change the logic, node names (unless they cause syntax errors), or flow direction.\n")
	b.WriteString("3. If previous attempts are provided, analyze why they failed and try a different syntax approach.\n")
	b.WriteString("4. Return ONLY the fixed code. No markdown markers, no explanations.")
	return b.String()
}

func stripFences(text string) string {
	text = strings.ReplaceAll(text, "```mermaid", "")
	text = strings.ReplaceAll(text, "```", "")
	return strings.TrimSpace(text)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
