// Package validator implements the Validator: a static
// reserved-keyword hard-check followed by an external renderer
// round-trip over HTTP.
package validator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"time"
)

// Result is the outcome of validating a diagram source.
type Result struct {
	Valid bool
	Error string
}

// reservedSubgraphRe matches the reserved "subgraph" identifier used as a
// classDef name, which the renderer always rejects.
var reservedSubgraphRe = regexp.MustCompile(`classDef\s+subgraph`)

// Validator round-trips diagram source through an external renderer.
type Validator struct {
	url        string
	httpClient *http.Client
}

// New returns a Validator that posts to url.
func New(url string, timeout time.Duration) *Validator {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Validator{url: url, httpClient: &http.Client{Timeout: timeout}}
}

type checkRequest struct {
	Source string `json:"source"`
}

type checkResponse struct {
	Valid bool   `json:"valid"`
	Error string `json:"error"`
}

// Check validates diagramSource. A static hard-check runs first: source
// containing "classDef subgraph" fails immediately without a network
// round-trip, since "subgraph" is a reserved class name the renderer
// always rejects.
func (v *Validator) Check(ctx context.Context, diagramSource string) (Result, error) {
	if reservedSubgraphRe.MatchString(diagramSource) {
		return Result{Valid: false, Error: `"subgraph" is a reserved classDef name`}, nil
	}

	body, err := json.Marshal(checkRequest{Source: diagramSource})
	if err != nil {
		return Result{}, fmt.Errorf("validator: encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.url, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("validator: building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("validator: renderer unreachable: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, fmt.Errorf("validator: reading renderer response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Result{Valid: false, Error: string(respBody)}, nil
	}

	var parsed checkResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return Result{Valid: false, Error: string(respBody)}, nil
	}
	return Result{Valid: parsed.Valid, Error: parsed.Error}, nil
}
