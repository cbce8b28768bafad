package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pavelanni/autograder/internal/problem"
	"github.com/pavelanni/autograder/internal/store"
)

const optionProblem = `id: compass
title: Compass
responses:
  - type: option
    ids: ["1_2_1"]
    options: [north, south]
    answer: north
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestGradeCommand(t *testing.T) {
	dir := t.TempDir()
	problemPath := writeFile(t, dir, "compass.yaml", optionProblem)
	answersPath := writeFile(t, dir, "answers.json", `{"1_2_1": "north"}`)

	var out bytes.Buffer
	cmd := rootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"grade", "--problem", problemPath, "--answers", answersPath, "--log-level", "error"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("grade: %v", err)
	}

	var state problem.State
	if err := json.Unmarshal(out.Bytes(), &state); err != nil {
		t.Fatalf("decode output %q: %v", out.String(), err)
	}
	if state.ProblemID != "compass" || state.Score != 1 || state.MaxScore != 1 {
		t.Errorf("unexpected state %+v", state)
	}
}

func TestLoadProblemsRecordsHashes(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "compass.yaml", optionProblem)
	writeFile(t, dir, "README.txt", "not a problem")

	db, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	defer db.Close()
	ctx := context.Background()

	defs, err := loadProblems(ctx, db, dir)
	if err != nil {
		t.Fatalf("loadProblems: %v", err)
	}
	if len(defs) != 1 || defs[0].ID != "compass" {
		t.Fatalf("unexpected definitions %+v", defs)
	}
	first, _ := db.GetImportedFileHash(ctx, path)
	if first == "" {
		t.Fatal("expected a recorded hash")
	}

	writeFile(t, dir, "compass.yaml", strings.Replace(optionProblem, "Compass", "Compass rose", 1))
	if _, err := loadProblems(ctx, db, dir); err != nil {
		t.Fatalf("loadProblems after edit: %v", err)
	}
	second, _ := db.GetImportedFileHash(ctx, path)
	if second == first || second == "" {
		t.Errorf("expected the hash to follow the file, got %q then %q", first, second)
	}
}

func TestSeedGrader(t *testing.T) {
	db, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	defer db.Close()
	ctx := context.Background()

	if err := seedGrader(ctx, db, ""); err != nil {
		t.Fatalf("seedGrader without password: %v", err)
	}
	if n, _ := db.GraderCount(ctx); n != 0 {
		t.Fatalf("expected no graders, got %d", n)
	}
	if err := seedGrader(ctx, db, "pw"); err != nil {
		t.Fatalf("seedGrader: %v", err)
	}
	if err := seedGrader(ctx, db, "other"); err != nil {
		t.Fatalf("seedGrader again: %v", err)
	}
	g, err := db.GetGraderByUsername(ctx, defaultGrader)
	if err != nil || g == nil {
		t.Fatalf("GetGraderByUsername = %v, %v", g, err)
	}
	if n, _ := db.GraderCount(ctx); n != 1 {
		t.Errorf("expected one grader, got %d", n)
	}
}
