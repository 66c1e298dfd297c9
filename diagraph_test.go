package diagraph

import (
	"os"
	"testing"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.ProjectsRoot = t.TempDir()
	cfg.Vision.Provider = ""
	return cfg
}

func TestNewOpensDefaultWorkspace(t *testing.T) {
	eng, err := New(testConfig(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer eng.Close()

	ws := eng.CurrentWorkspace()
	if ws == nil || ws.Name != "default" {
		t.Fatalf("CurrentWorkspace = %+v, want workspace named %q", ws, "default")
	}
}

func TestUploadFileRejectsPathTraversal(t *testing.T) {
	eng, err := New(testConfig(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer eng.Close()

	if err := eng.UploadFile("../escape.txt", []byte("x")); err == nil {
		t.Fatal("expected UploadFile to reject a path-traversal filename")
	}
}

func TestUploadFileWritesUnderCurrentWorkspace(t *testing.T) {
	eng, err := New(testConfig(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer eng.Close()

	if err := eng.UploadFile("notes.txt", []byte("hello")); err != nil {
		t.Fatalf("UploadFile: %v", err)
	}

	ws := eng.CurrentWorkspace()
	files := ws.Files()
	for _, f := range files {
		if f.Filename == "notes.txt" {
			return
		}
	}
	// UploadFile stages a file on disk; it does not register a FileRecord
	// until IngestCurrentWorkspace runs. Confirm the file landed instead.
	entries, err := os.ReadDir(ws.UploadsDir)
	if err != nil {
		t.Fatalf("reading uploads dir: %v", err)
	}
	found := false
	for _, e := range entries {
		if e.Name() == "notes.txt" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected notes.txt under %s", ws.UploadsDir)
	}
}

func TestSwitchWorkspaceCreatesNamedWorkspace(t *testing.T) {
	eng, err := New(testConfig(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer eng.Close()

	ws, err := eng.SwitchWorkspace("alt")
	if err != nil {
		t.Fatalf("SwitchWorkspace: %v", err)
	}
	if ws.Name != "alt" {
		t.Fatalf("SwitchWorkspace returned workspace %q, want %q", ws.Name, "alt")
	}
	if eng.CurrentWorkspace().Name != "alt" {
		t.Fatalf("CurrentWorkspace = %q after switch, want %q", eng.CurrentWorkspace().Name, "alt")
	}
}

func TestTaskReportsUnknownID(t *testing.T) {
	eng, err := New(testConfig(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer eng.Close()

	if _, ok := eng.Task("does-not-exist"); ok {
		t.Fatal("expected Task to report unknown for an unstarted task ID")
	}
}
