package config

import (
	"strings"
	"testing"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := Default()
	if len(cfg.Tasks) != 2 {
		t.Fatalf("expected 2 default tasks, got %d", len(cfg.Tasks))
	}
	if cfg.Classifier.ConfidenceThreshold != 0.6 {
		t.Fatalf("expected threshold 0.6, got %v", cfg.Classifier.ConfidenceThreshold)
	}
	if cfg.Calculation.TimeoutSeconds != 60 {
		t.Fatalf("expected timeout 60, got %d", cfg.Calculation.TimeoutSeconds)
	}
}

func TestFromYAMLAppliesDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte(`
tasks:
  - id: t1
    display_name: Task one
    files:
      - file_type: input_a
        required: true
        columns: [employee_code]
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Classifier.Model != "gpt-4o-mini" {
		t.Fatalf("model default missing: %q", cfg.Classifier.Model)
	}
	if cfg.Session.HistoryWindow != 3 {
		t.Fatalf("history window default missing: %d", cfg.Session.HistoryWindow)
	}
}

func TestValidateRejectsDuplicateTaskIDs(t *testing.T) {
	_, err := FromYAML([]byte(`
tasks:
  - id: t1
    display_name: A
    files:
      - {file_type: f, required: true, columns: [employee_code]}
  - id: t1
    display_name: B
    files:
      - {file_type: f, required: true, columns: [employee_code]}
`))
	if err == nil || !strings.Contains(err.Error(), "duplicate") {
		t.Fatalf("expected duplicate task error, got %v", err)
	}
}

func TestValidateRejectsInputSlotWithoutColumns(t *testing.T) {
	_, err := FromYAML([]byte(`
tasks:
  - id: t1
    display_name: A
    files:
      - {file_type: f, required: true}
`))
	if err == nil {
		t.Fatal("expected error for input slot without columns")
	}
}

func TestTaskDefinitions(t *testing.T) {
	defs := Default().TaskDefinitions()
	if len(defs) != 2 {
		t.Fatalf("expected 2 definitions, got %d", len(defs))
	}
	salary := defs[0]
	if salary.ID != "payroll_salary" {
		t.Fatalf("unexpected first task: %s", salary.ID)
	}
	required := salary.RequiredFileTypes()
	want := []string{"employee_master", "attendance", "allowance_master"}
	if len(required) != len(want) {
		t.Fatalf("required files: got %v", required)
	}
	for i := range want {
		if required[i] != want[i] {
			t.Fatalf("required files: got %v, want %v", required, want)
		}
	}
	if _, ok := salary.OutputSlot(); !ok {
		t.Fatal("salary task should declare an output slot")
	}
}
