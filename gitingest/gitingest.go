// Package gitingest implements the repo-analysis background task
//: shallow clone, .gitignore-aware file classification,
// scoring/ranking of source files, per-file LLM analysis, and assembly
// of a single contextual report for the standard generate pipeline.
package gitingest

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/format/gitignore"

	"diagraph/llm"
)

// Category classifies a repository file for scoring and reporting.
type Category string

const (
	CategoryDocumentation Category = "documentation"
	CategoryConfiguration Category = "configuration"
	CategorySourceCode    Category = "source_code"
	CategoryOther         Category = "others"
)

// DefaultTopN is the default number of highest-scored source files
// analyzed per repository.
const DefaultTopN = 30

// perFileAnalysisTimeout bounds each document-analyzer LLM call.
const perFileAnalysisTimeout = 60

var (
	docExtensions = map[string]bool{
		".md": true, ".rst": true, ".txt": true, ".adoc": true,
	}
	configNames = map[string]bool{
		"go.mod": true, "go.sum": true, "package.json": true, "package-lock.json": true,
		"dockerfile": true, "makefile": true, ".gitignore": true, ".env": true,
	}
	configExtensions = map[string]bool{
		".yaml": true, ".yml": true, ".toml": true, ".ini": true, ".cfg": true, ".json": true,
	}
	sourceExtensions = map[string]bool{
		".go": true, ".py": true, ".js": true, ".ts": true, ".tsx": true, ".jsx": true,
		".java": true, ".rb": true, ".rs": true, ".c": true, ".h": true, ".cpp": true,
		".cc": true, ".cs": true, ".php": true, ".kt": true, ".swift": true,
	}

	// coreDirs/coreNames boost a source file's score; testDirs/testNames
	// penalize it.
	coreDirs  = []string{"internal", "pkg", "core", "src", "lib", "cmd"}
	testDirs  = []string{"test", "tests", "testdata", "example", "examples", "mock", "mocks", "vendor", "node_modules"}
	testNames = []string{"_test.", ".test.", ".spec."}
)

// File is one classified, and possibly scored and analyzed, repository
// file.
type File struct {
	Path     string
	Category Category
	Score    float64
	Analysis string
}

// Report is the assembled result of analyzing a cloned repository.
type Report struct {
	RepoURL    string
	Files      []File // all classified files, unscored ones included
	Analyzed   []File // the top-N source files with Analysis populated
	Summary    string // the consolidated contextual report text
}

// Classifier walks a shallow clone of a repository and produces a
// contextual report describing its most significant source files.
type Classifier struct {
	chat llm.Provider
	topN int
}

// New returns a Classifier. topN <= 0 falls back to DefaultTopN.
func New(chat llm.Provider, topN int) *Classifier {
	if topN <= 0 {
		topN = DefaultTopN
	}
	return &Classifier{chat: chat, topN: topN}
}

// CloneShallow clones repoURL into localPath at depth 1, or opens it in
// place if localPath already holds a repository.
func CloneShallow(repoURL, localPath string) error {
	if _, err := os.Stat(localPath); os.IsNotExist(err) {
		slog.Info("gitingest: cloning repository", "url", repoURL, "path", localPath)
		_, err = git.PlainClone(localPath, false, &git.CloneOptions{
			URL:   repoURL,
			Depth: 1,
		})
		return err
	}
	slog.Info("gitingest: opening existing repository", "path", localPath)
	_, err := git.PlainOpen(localPath)
	return err
}

// Analyze walks localPath, classifies every file, scores and ranks the
// source_code files, analyzes the top-N via chat, and assembles a
// consolidated report.
func (c *Classifier) Analyze(ctx context.Context, repoURL, localPath string) (Report, error) {
	matcher := loadGitignore(localPath)

	var files []File
	err := filepath.Walk(localPath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			if info.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		relPath, err := filepath.Rel(localPath, path)
		if err != nil {
			return err
		}
		if matcher != nil {
			split := strings.Split(relPath, string(os.PathSeparator))
			if matcher.Match(split, info.IsDir()) {
				return nil
			}
		}
		files = append(files, File{Path: relPath, Category: classify(relPath)})
		return nil
	})
	if err != nil {
		return Report{}, fmt.Errorf("gitingest: walking %s: %w", localPath, err)
	}

	for i := range files {
		if files[i].Category == CategorySourceCode {
			files[i].Score = score(files[i].Path)
		}
	}

	ranked := make([]File, 0, len(files))
	for _, f := range files {
		if f.Category == CategorySourceCode {
			ranked = append(ranked, f)
		}
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		return ranked[i].Path < ranked[j].Path
	})
	if len(ranked) > c.topN {
		slog.Info("gitingest: truncating ranked source files", "total", len(ranked), "kept", c.topN)
		ranked = ranked[:c.topN]
	}

	analyzed := make([]File, 0, len(ranked))
	for _, f := range ranked {
		data, err := os.ReadFile(filepath.Join(localPath, f.Path))
		if err != nil {
			slog.Warn("gitingest: skipping unreadable file", "path", f.Path, "error", err)
			continue
		}
		analysis, err := c.analyzeFile(ctx, f.Path, string(data))
		if err != nil {
			slog.Warn("gitingest: analysis failed, skipping", "path", f.Path, "error", err)
			continue
		}
		f.Analysis = analysis
		analyzed = append(analyzed, f)
	}

	return Report{
		RepoURL:  repoURL,
		Files:    files,
		Analyzed: analyzed,
		Summary:  assembleSummary(repoURL, analyzed),
	}, nil
}

func (c *Classifier) analyzeFile(ctx context.Context, path, content string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, perFileAnalysisTimeout*time.Second)
	defer cancel()

	resp, err := c.chat.Chat(ctx, llm.ChatRequest{
		Messages: []llm.Message{
			{Role: "system", Content: "You are a senior engineer summarizing a source file for a repository overview. Describe its purpose, key types/functions, and how it likely connects to the rest of the codebase. Be concise."},
			{Role: "user", Content: fmt.Sprintf("File: %s\n\n%s", path, content)},
		},
		Temperature: 0.0,
	})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

func assembleSummary(repoURL string, analyzed []File) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Repository Analysis: %s\n\n", repoURL)
	for _, f := range analyzed {
		fmt.Fprintf(&b, "## %s\n%s\n\n", f.Path, f.Analysis)
	}
	return b.String()
}

func loadGitignore(localPath string) gitignore.Matcher {
	f, err := os.Open(filepath.Join(localPath, ".gitignore"))
	if err != nil {
		return nil
	}
	defer f.Close()

	var patterns []gitignore.Pattern
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		patterns = append(patterns, gitignore.ParsePattern(scanner.Text(), nil))
	}
	return gitignore.NewMatcher(patterns)
}

func classify(relPath string) Category {
	base := strings.ToLower(filepath.Base(relPath))
	ext := strings.ToLower(filepath.Ext(relPath))

	if configNames[base] {
		return CategoryConfiguration
	}
	if docExtensions[ext] {
		return CategoryDocumentation
	}
	if configExtensions[ext] {
		return CategoryConfiguration
	}
	if sourceExtensions[ext] {
		return CategorySourceCode
	}
	return CategoryOther
}

// score ranks a source file by how central it is likely to be: a boost
// for core-sounding directories/names, a penalty for test/example ones.
func score(relPath string) float64 {
	lower := strings.ToLower(relPath)
	segments := strings.Split(lower, string(os.PathSeparator))

	s := 1.0
	for _, dir := range segments {
		for _, core := range coreDirs {
			if dir == core {
				s += 2.0
			}
		}
		for _, test := range testDirs {
			if dir == test {
				s -= 3.0
			}
		}
	}
	for _, marker := range testNames {
		if strings.Contains(lower, marker) {
			s -= 3.0
		}
	}
	// Shallower files score slightly higher; entry points tend to sit
	// near the repository root.
	s -= 0.1 * float64(len(segments)-1)
	return s
}
