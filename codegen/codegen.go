// Package codegen implements the Code Generator:
// template-driven diagram code generation with a richness-to-node-budget
// directive and markdown-fence cleanup.
package codegen

import (
	"context"
	"embed"
	"fmt"
	"strings"

	"diagraph/internal/derrors"
	"diagraph/llm"
)

//go:embed templates
var templatesFS embed.FS

const templatesDir = "templates"
const genericTemplate = "generic.md"

var fencePrefixes = []string{
	"```mermaid", "```dot", "```python", "```javascript", "```xml", "```json", "```",
}

// Generator produces diagram code from a router blueprint.
type Generator struct {
	chat llm.Provider
}

// New returns a Generator.
func New(chat llm.Provider) *Generator {
	return &Generator{chat: chat}
}

// GenerateCode loads the template named by promptFile, appends a richness
// directive, and asks the LLM to produce diagram code for
// analysisContent. richness is clamped to [0, 1]. Returns cleaned code
// with markdown fences and any leading language tag stripped.
func (g *Generator) GenerateCode(ctx context.Context, analysisContent, promptFile string, richness float64) (string, error) {
	if richness < 0 {
		richness = 0
	}
	if richness > 1 {
		richness = 1
	}

	template, err := g.loadTemplate(promptFile)
	if err != nil {
		return "", err
	}

	systemPrompt := template + richnessDirective(richness)
	resp, err := g.chat.Chat(ctx, llm.ChatRequest{
		Messages: []llm.Message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: fmt.Sprintf("[Requirements or content]:\n%s", analysisContent)},
		},
		Temperature: 0.2,
	})
	if err != nil {
		return "", derrors.New(derrors.BackendUnavailable, "codegen: generate_code", err)
	}

	return cleanCode(resp.Content), nil
}

// loadTemplate reads a prompt template from the embedded templates
// directory, falling back to the generic template when promptFile has no
// dedicated one.
func (g *Generator) loadTemplate(promptFile string) (string, error) {
	name := promptFile
	if !strings.HasSuffix(name, ".md") {
		name += ".md"
	}

	data, err := templatesFS.ReadFile(templatesDir + "/" + name)
	if err != nil {
		data, err = templatesFS.ReadFile(templatesDir + "/" + genericTemplate)
		if err != nil {
			return "", derrors.New(derrors.NotFound, "codegen: no template available, not even generic fallback", err)
		}
	}
	return strings.TrimSpace(string(data)), nil
}

const richnessDirectiveTemplate = `

### Diagram Richness Control (target level: %.2f)
The richness parameter (0.0-1.0) controls the detail density of the generated diagram.
Current richness: %.2f

%s

Your output's complexity MUST strictly match this richness level.`

func richnessDirective(richness float64) string {
	var tier string
	switch {
	case richness <= 0.3:
		tier = "Low richness -> high-level summary. Focus on the main flow only. Contains no more than ten nodes."
	case richness <= 0.7:
		tier = "Medium richness -> standard logic. Focus on clear structure. Contains no more than twenty nodes."
	default:
		tier = "High richness -> full fidelity. A debugger-level view of the execution flow with enough detail in every node."
	}
	return fmt.Sprintf(richnessDirectiveTemplate, richness, richness, tier)
}

// cleanCode strips a leading markdown code fence (with optional language
// tag) and a trailing fence from the LLM's raw response.
func cleanCode(text string) string {
	text = strings.TrimSpace(text)
	for _, prefix := range fencePrefixes {
		if strings.HasPrefix(text, prefix) {
			text = text[len(prefix):]
			break
		}
	}
	text = strings.TrimPrefix(text, "\n")
	text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	return strings.TrimSpace(text)
}
