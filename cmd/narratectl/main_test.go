package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLocateBothDirections(t *testing.T) {
	var out bytes.Buffer
	if err := runLocate([]string{"-start", "ch3.xhtml", "-chars", "1000", "-duration", "100", "-at", "25"}, &out); err != nil {
		t.Fatalf("locate: %v", err)
	}
	if got := strings.TrimSpace(out.String()); got != "ch3.xhtml#narration=0.250000" {
		t.Fatalf("unexpected locator %q", got)
	}

	out.Reset()
	if err := runLocate([]string{"-start", "ch3.xhtml", "-chars", "1000", "-duration", "100", "-locator", "ch3.xhtml#narration=0.5"}, &out); err != nil {
		t.Fatalf("locate: %v", err)
	}
	if got := strings.TrimSpace(out.String()); got != "50.000" {
		t.Fatalf("unexpected timestamp %q", got)
	}

	if err := runLocate([]string{"-start", "ch3.xhtml", "-at", "5"}, &out); err == nil {
		t.Fatalf("expected unknown position without chapter size")
	}
}

func TestGenerateIntoStoreFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("LOQA_STORE_PATH", filepath.Join(dir, "narration.db"))
	t.Setenv("LOQA_SYNTHESIS_MAX_CHUNK_CHARS", "64")
	textPath := filepath.Join(dir, "chapter.txt")
	if err := os.WriteFile(textPath, []byte(strings.Repeat("The lighthouse keeper counted ships. ", 5)), 0o644); err != nil {
		t.Fatalf("write text: %v", err)
	}

	var out bytes.Buffer
	if err := runGenerate(context.Background(), []string{"-chapter", "ch-1", "-text", textPath}, &out); err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !strings.Contains(out.String(), "chunk 1/") || !strings.Contains(out.String(), "job ") {
		t.Fatalf("unexpected output:\n%s", out.String())
	}

	err := runPlay(context.Background(), []string{"-chapter", "ch-404"}, &out)
	if err == nil || err.Error() != "no audio for this chapter" {
		t.Fatalf("expected missing chapter error, got %v", err)
	}
}

func TestGenerateRequiresInputs(t *testing.T) {
	if err := runGenerate(context.Background(), []string{"-chapter", "ch-1"}, &bytes.Buffer{}); err == nil {
		t.Fatalf("expected error without -text")
	}
}
