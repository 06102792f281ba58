package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestValidateOptions(t *testing.T) {
	base := cliOptions{query: "is:unread", code: "[]", format: "metadata", checkpointInterval: 10}
	if err := validateOptions(base); err != nil {
		t.Errorf("valid options rejected: %v", err)
	}

	both := base
	both.loadFile = "saved.json"
	if err := validateOptions(both); err == nil {
		t.Error("query and load-file together must be rejected")
	}

	neither := base
	neither.query = ""
	if err := validateOptions(neither); err == nil {
		t.Error("missing mail source must be rejected")
	}

	noCode := base
	noCode.code = ""
	if err := validateOptions(noCode); err == nil {
		t.Error("missing program must be rejected")
	}

	badFormat := base
	badFormat.format = "everything"
	if err := validateOptions(badFormat); err == nil {
		t.Error("unknown format must be rejected")
	}
}

func TestLoadProgramShapes(t *testing.T) {
	arr := cliOptions{code: `[{"function": "inbox_triage"}, {"function": "final_named", "args": {"name": "inbox_triage"}}]`}
	program, err := loadProgram(arr)
	if err != nil {
		t.Fatalf("loadProgram: %v", err)
	}
	if len(program.Steps) != 2 || program.Steps[0].Function != "inbox_triage" {
		t.Errorf("unexpected program %+v", program)
	}

	obj := cliOptions{code: `{"steps": [{"function": "security_triage"}]}`}
	program, err = loadProgram(obj)
	if err != nil {
		t.Fatalf("loadProgram: %v", err)
	}
	if len(program.Steps) != 1 || program.Steps[0].Function != "security_triage" {
		t.Errorf("unexpected program %+v", program)
	}

	if _, err := loadProgram(cliOptions{code: `[]`}); err == nil {
		t.Error("empty program must error")
	}
	if _, err := loadProgram(cliOptions{code: `not json`}); err == nil {
		t.Error("invalid JSON must error")
	}
}

func TestLoadProgramFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "program.json")
	if err := os.WriteFile(path, []byte(`[{"function": "weekly_summary"}]`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	program, err := loadProgram(cliOptions{codeFile: path})
	if err != nil {
		t.Fatalf("loadProgram: %v", err)
	}
	if len(program.Steps) != 1 || program.Steps[0].Function != "weekly_summary" {
		t.Errorf("unexpected program %+v", program)
	}

	if _, err := loadProgram(cliOptions{codeFile: filepath.Join(t.TempDir(), "missing.json")}); err == nil {
		t.Error("missing code file must error")
	}
}
