package calc

import (
	"context"
	"encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"paychat/internal/config"
	"paychat/internal/domain"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func taskDef(t *testing.T, id string) domain.TaskDefinition {
	t.Helper()
	for _, def := range config.Default().TaskDefinitions() {
		if def.ID == id {
			return def
		}
	}
	t.Fatalf("task %s not in default config", id)
	return domain.TaskDefinition{}
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open output: %v", err)
	}
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	return records
}

func salaryInputs(t *testing.T, dir string) map[string]string {
	return map[string]string{
		"employee_master":  writeFile(t, dir, "employee_master.csv", "employee_code,name,department,base_salary\nE001,Alice,Sales,300000\nE002,Bob,Dev,280000\n"),
		"attendance":       writeFile(t, dir, "attendance.csv", "employee_code,target_month,work_days,overtime_hours\nE001,2024-06,20,10\nE002,2024-06,19,0\n"),
		"allowance_master": writeFile(t, dir, "allowance_master.csv", "employee_code,commute_allowance,housing_allowance\nE001,10000,20000\nE002,8000,0\n"),
	}
}

func TestSalaryCalculation(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "salary_output.csv")
	res, err := Executor{}.Calculate(context.Background(), taskDef(t, "payroll_salary"), salaryInputs(t, dir), out)
	if err != nil {
		t.Fatalf("calculate: %v", err)
	}
	if res.RowCount != 2 {
		t.Fatalf("row count: %d", res.RowCount)
	}
	records := readCSV(t, out)
	if len(records) != 3 {
		t.Fatalf("expected header + 2 rows, got %d", len(records))
	}
	// 300000/(20*8)*1.25*10 = 23437.5 -> 23438
	row := records[1]
	if row[0] != "E001" || row[5] != "23438" {
		t.Fatalf("overtime pay: %v", row)
	}
	if row[7] != "353438" { // 300000 + 23438 + 30000
		t.Fatalf("total pay: %v", row)
	}
	// no overtime means no overtime pay regardless of work days
	if records[2][5] != "0" || records[2][7] != "288000" {
		t.Fatalf("zero-overtime row: %v", records[2])
	}
}

func TestSalaryWithPositionAllowance(t *testing.T) {
	dir := t.TempDir()
	files := salaryInputs(t, dir)
	files["position_master"] = writeFile(t, dir, "position_master.csv", "employee_code,position,position_allowance\nE001,Manager,50000\n")
	out := filepath.Join(dir, "salary_output.csv")
	if _, err := (Executor{}).Calculate(context.Background(), taskDef(t, "payroll_salary"), files, out); err != nil {
		t.Fatalf("calculate: %v", err)
	}
	records := readCSV(t, out)
	if records[1][7] != "403438" { // previous total + 50000
		t.Fatalf("position allowance not applied: %v", records[1])
	}
	// E002 has no position row and keeps the base total
	if records[2][7] != "288000" {
		t.Fatalf("position allowance leaked: %v", records[2])
	}
}

func TestSalaryMissingAttendanceRow(t *testing.T) {
	dir := t.TempDir()
	files := salaryInputs(t, dir)
	files["attendance"] = writeFile(t, dir, "attendance2.csv", "employee_code,target_month,work_days,overtime_hours\nE001,2024-06,20,10\n")
	out := filepath.Join(dir, "salary_output.csv")
	_, err := Executor{}.Calculate(context.Background(), taskDef(t, "payroll_salary"), files, out)
	var ce *CalculationError
	if !errors.As(err, &ce) || ce.FileType != "attendance" {
		t.Fatalf("expected attendance CalculationError, got %v", err)
	}
	if _, statErr := os.Stat(out); !os.IsNotExist(statErr) {
		t.Fatal("failed run must not leave an output artifact")
	}
}

func TestSalaryOvertimeWithZeroWorkDays(t *testing.T) {
	dir := t.TempDir()
	files := salaryInputs(t, dir)
	files["attendance"] = writeFile(t, dir, "attendance3.csv", "employee_code,target_month,work_days,overtime_hours\nE001,2024-06,0,10\nE002,2024-06,19,0\n")
	out := filepath.Join(dir, "salary_output.csv")
	_, err := Executor{}.Calculate(context.Background(), taskDef(t, "payroll_salary"), files, out)
	var ce *CalculationError
	if !errors.As(err, &ce) || ce.Column != "work_days" {
		t.Fatalf("expected work_days error, got %v", err)
	}
}

func TestBonusCalculation(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"employee_master":  writeFile(t, dir, "employee_master.csv", "employee_code,name,department,base_salary\nE001,Alice,Sales,300000\n"),
		"bonus_evaluation": writeFile(t, dir, "bonus_evaluation.csv", "employee_code,target_month,bonus_months\nE001,2024-06,2.5\n"),
	}
	out := filepath.Join(dir, "bonus_output.csv")
	res, err := Executor{}.Calculate(context.Background(), taskDef(t, "payroll_bonus"), files, out)
	if err != nil {
		t.Fatalf("calculate: %v", err)
	}
	if res.RowCount != 1 {
		t.Fatalf("row count: %d", res.RowCount)
	}
	records := readCSV(t, out)
	if records[1][6] != "750000" {
		t.Fatalf("bonus pay: %v", records[1])
	}
}

func TestCalculationTimeout(t *testing.T) {
	dir := t.TempDir()
	files := salaryInputs(t, dir)
	out := filepath.Join(dir, "salary_output.csv")
	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-ctx.Done()
	_, err := Executor{}.Calculate(ctx, taskDef(t, "payroll_salary"), files, out)
	var ce *CalculationError
	if !errors.As(err, &ce) || !ce.Timeout {
		t.Fatalf("expected timeout CalculationError, got %v", err)
	}
}

func TestRerunOverwritesOutput(t *testing.T) {
	dir := t.TempDir()
	files := salaryInputs(t, dir)
	out := filepath.Join(dir, "salary_output.csv")
	exec := Executor{}
	def := taskDef(t, "payroll_salary")
	if _, err := exec.Calculate(context.Background(), def, files, out); err != nil {
		t.Fatal(err)
	}
	first := readCSV(t, out)
	if _, err := exec.Calculate(context.Background(), def, files, out); err != nil {
		t.Fatal(err)
	}
	second := readCSV(t, out)
	if len(first) != len(second) {
		t.Fatalf("rerun should produce the same artifact: %d vs %d rows", len(first), len(second))
	}
}
