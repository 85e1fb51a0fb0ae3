package calc

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"paychat/internal/domain"
	"paychat/internal/tabular"
)

// CalculationError identifies the first record that could not be
// computed. No output artifact exists when one is returned.
type CalculationError struct {
	TaskID   string
	FileType string
	Row      int // 1-based data row, 0 when not row-specific
	Column   string
	Timeout  bool
	Err      error
}

func (e *CalculationError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("calculation for task %s timed out", e.TaskID)
	}
	if e.Row > 0 {
		return fmt.Sprintf("calculation for task %s failed at %s row %d (%s): %v", e.TaskID, e.FileType, e.Row, e.Column, e.Err)
	}
	return fmt.Sprintf("calculation for task %s failed: %v", e.TaskID, e.Err)
}

func (e *CalculationError) Unwrap() error { return e.Err }

// Result describes the produced output artifact.
type Result struct {
	OutputPath string
	RowCount   int
}

// Executor runs a task's arithmetic over a complete file set. It holds
// no session state: same inputs produce the same output, and a failed
// or repeated run leaves nothing behind except the final artifact.
type Executor struct{}

// Calculate reads the input files, applies the task's row arithmetic
// keyed by employee code, and writes one output artifact at outputPath
// (temp file + rename, so the artifact is whole or absent). The caller
// bounds the run with ctx; deadline expiry surfaces as a timeout
// CalculationError.
func (Executor) Calculate(ctx context.Context, def domain.TaskDefinition, files map[string]string, outputPath string) (Result, error) {
	var (
		header []string
		rows   [][]string
		err    error
	)
	switch def.ID {
	case "payroll_salary":
		header, rows, err = payrollSalary(ctx, files)
	case "payroll_bonus":
		header, rows, err = payrollBonus(ctx, files)
	default:
		return Result{}, &CalculationError{TaskID: def.ID, Err: fmt.Errorf("no calculation defined for task %s", def.ID)}
	}
	if err != nil {
		var ce *CalculationError
		if errors.As(err, &ce) {
			ce.TaskID = def.ID
			ce.Timeout = ce.Timeout || errors.Is(ctx.Err(), context.DeadlineExceeded)
			return Result{}, ce
		}
		return Result{}, &CalculationError{TaskID: def.ID, Timeout: errors.Is(ctx.Err(), context.DeadlineExceeded), Err: err}
	}

	if err := writeArtifact(outputPath, header, rows); err != nil {
		return Result{}, &CalculationError{TaskID: def.ID, Err: err}
	}
	return Result{OutputPath: outputPath, RowCount: len(rows)}, nil
}

func payrollSalary(ctx context.Context, files map[string]string) ([]string, [][]string, error) {
	employees, err := loadTable(files, "employee_master")
	if err != nil {
		return nil, nil, err
	}
	attendance, err := loadTable(files, "attendance")
	if err != nil {
		return nil, nil, err
	}
	allowances, err := loadTable(files, "allowance_master")
	if err != nil {
		return nil, nil, err
	}
	var positions *tabular.Table
	if _, ok := files["position_master"]; ok {
		positions, err = loadTable(files, "position_master")
		if err != nil {
			return nil, nil, err
		}
	}

	attByCode, err := indexByCode(attendance, "attendance")
	if err != nil {
		return nil, nil, err
	}
	allowByCode, err := indexByCode(allowances, "allowance_master")
	if err != nil {
		return nil, nil, err
	}
	posByCode := map[string]int{}
	if positions != nil {
		posByCode, err = indexByCode(positions, "position_master")
		if err != nil {
			return nil, nil, err
		}
	}

	codeIdx := employees.ColumnIndex("employee_code")
	nameIdx := employees.ColumnIndex("name")
	deptIdx := employees.ColumnIndex("department")
	baseIdx := employees.ColumnIndex("base_salary")
	monthIdx := attendance.ColumnIndex("target_month")

	header := []string{"employee_code", "name", "department", "target_month", "base_salary", "overtime_pay", "allowance_total", "total_pay"}
	rows := make([][]string, 0, len(employees.Rows))
	for i := range employees.Rows {
		if err := ctx.Err(); err != nil {
			return nil, nil, &CalculationError{Timeout: errors.Is(err, context.DeadlineExceeded), Err: err}
		}
		code := employees.Cell(i, codeIdx)
		base, err := employees.Float(i, baseIdx)
		if err != nil {
			return nil, nil, &CalculationError{FileType: "employee_master", Row: i + 1, Column: "base_salary", Err: err}
		}

		attRow, ok := attByCode[code]
		if !ok {
			return nil, nil, &CalculationError{FileType: "attendance", Column: "employee_code", Err: fmt.Errorf("employee %s has no attendance row", code)}
		}
		workDays, err := attendance.Float(attRow, attendance.ColumnIndex("work_days"))
		if err != nil {
			return nil, nil, &CalculationError{FileType: "attendance", Row: attRow + 1, Column: "work_days", Err: err}
		}
		overtime, err := attendance.Float(attRow, attendance.ColumnIndex("overtime_hours"))
		if err != nil {
			return nil, nil, &CalculationError{FileType: "attendance", Row: attRow + 1, Column: "overtime_hours", Err: err}
		}

		var overtimePay float64
		if overtime > 0 {
			if workDays == 0 {
				return nil, nil, &CalculationError{FileType: "attendance", Row: attRow + 1, Column: "work_days", Err: fmt.Errorf("employee %s has overtime but zero work days", code)}
			}
			overtimePay = math.Round(base / (workDays * 8) * 1.25 * overtime)
		}

		allowRow, ok := allowByCode[code]
		if !ok {
			return nil, nil, &CalculationError{FileType: "allowance_master", Column: "employee_code", Err: fmt.Errorf("employee %s has no allowance row", code)}
		}
		commute, err := allowances.Float(allowRow, allowances.ColumnIndex("commute_allowance"))
		if err != nil {
			return nil, nil, &CalculationError{FileType: "allowance_master", Row: allowRow + 1, Column: "commute_allowance", Err: err}
		}
		housing, err := allowances.Float(allowRow, allowances.ColumnIndex("housing_allowance"))
		if err != nil {
			return nil, nil, &CalculationError{FileType: "allowance_master", Row: allowRow + 1, Column: "housing_allowance", Err: err}
		}
		allowanceTotal := commute + housing
		if positions != nil {
			if posRow, ok := posByCode[code]; ok {
				posAllow, err := positions.Float(posRow, positions.ColumnIndex("position_allowance"))
				if err != nil {
					return nil, nil, &CalculationError{FileType: "position_master", Row: posRow + 1, Column: "position_allowance", Err: err}
				}
				allowanceTotal += posAllow
			}
		}

		total := base + overtimePay + allowanceTotal
		rows = append(rows, []string{
			code,
			employees.Cell(i, nameIdx),
			employees.Cell(i, deptIdx),
			attendance.Cell(attRow, monthIdx),
			formatAmount(base),
			formatAmount(overtimePay),
			formatAmount(allowanceTotal),
			formatAmount(total),
		})
	}
	return header, rows, nil
}

func payrollBonus(ctx context.Context, files map[string]string) ([]string, [][]string, error) {
	employees, err := loadTable(files, "employee_master")
	if err != nil {
		return nil, nil, err
	}
	evaluations, err := loadTable(files, "bonus_evaluation")
	if err != nil {
		return nil, nil, err
	}
	evalByCode, err := indexByCode(evaluations, "bonus_evaluation")
	if err != nil {
		return nil, nil, err
	}

	codeIdx := employees.ColumnIndex("employee_code")
	nameIdx := employees.ColumnIndex("name")
	deptIdx := employees.ColumnIndex("department")
	baseIdx := employees.ColumnIndex("base_salary")
	monthIdx := evaluations.ColumnIndex("target_month")

	header := []string{"employee_code", "name", "department", "target_month", "base_salary", "bonus_months", "bonus_pay"}
	rows := make([][]string, 0, len(employees.Rows))
	for i := range employees.Rows {
		if err := ctx.Err(); err != nil {
			return nil, nil, &CalculationError{Timeout: errors.Is(err, context.DeadlineExceeded), Err: err}
		}
		code := employees.Cell(i, codeIdx)
		base, err := employees.Float(i, baseIdx)
		if err != nil {
			return nil, nil, &CalculationError{FileType: "employee_master", Row: i + 1, Column: "base_salary", Err: err}
		}
		evalRow, ok := evalByCode[code]
		if !ok {
			return nil, nil, &CalculationError{FileType: "bonus_evaluation", Column: "employee_code", Err: fmt.Errorf("employee %s has no evaluation row", code)}
		}
		months, err := evaluations.Float(evalRow, evaluations.ColumnIndex("bonus_months"))
		if err != nil {
			return nil, nil, &CalculationError{FileType: "bonus_evaluation", Row: evalRow + 1, Column: "bonus_months", Err: err}
		}
		bonus := math.Round(base * months)
		rows = append(rows, []string{
			code,
			employees.Cell(i, nameIdx),
			employees.Cell(i, deptIdx),
			evaluations.Cell(evalRow, monthIdx),
			formatAmount(base),
			formatAmount(months),
			formatAmount(bonus),
		})
	}
	return header, rows, nil
}

func loadTable(files map[string]string, fileType string) (*tabular.Table, error) {
	path, ok := files[fileType]
	if !ok {
		return nil, &CalculationError{FileType: fileType, Err: fmt.Errorf("file %s not provided", fileType)}
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, &CalculationError{FileType: fileType, Err: err}
	}
	defer f.Close()
	table, err := tabular.Read(f)
	if err != nil {
		return nil, &CalculationError{FileType: fileType, Err: err}
	}
	return table, nil
}

// indexByCode maps employee_code to row index; the last row wins when
// a code repeats, matching the master-file convention.
func indexByCode(t *tabular.Table, fileType string) (map[string]int, error) {
	codeIdx := t.ColumnIndex("employee_code")
	if codeIdx < 0 {
		return nil, &CalculationError{FileType: fileType, Column: "employee_code", Err: errors.New("column missing")}
	}
	byCode := make(map[string]int, len(t.Rows))
	for i := range t.Rows {
		if code := t.Cell(i, codeIdx); code != "" {
			byCode[code] = i
		}
	}
	return byCode, nil
}

func formatAmount(v float64) string {
	if v == math.Trunc(v) {
		return fmt.Sprintf("%.0f", v)
	}
	return fmt.Sprintf("%.2f", v)
}

// writeArtifact writes the output all-or-nothing: a temp file in the
// target directory renamed into place on success.
func writeArtifact(path string, header []string, rows [][]string) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".calc-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	w := csv.NewWriter(tmp)
	if err := w.Write(header); err != nil {
		tmp.Close()
		return err
	}
	for _, row := range rows {
		if err := w.Write(row); err != nil {
			tmp.Close()
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
