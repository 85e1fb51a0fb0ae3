package registry

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"time"

	"paychat/internal/domain"
	"paychat/internal/events"
	"paychat/internal/repo"
	"paychat/internal/tabular"
)

// Registry validates and summarizes uploaded files and records their
// metadata per session.
type Registry struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Now    func() time.Time
}

func New(db *sql.DB) Registry {
	return Registry{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Now:    time.Now,
	}
}

func (g Registry) now() time.Time {
	if g.Now != nil {
		return g.Now()
	}
	return time.Now()
}

var yearMonthRe = regexp.MustCompile(`^\d{4}-(0[1-9]|1[0-2])$`)

// Columns whose cells must parse as numbers. Validation flags the cell,
// it never drops the row.
var numericColumns = map[string]bool{
	"base_salary":        true,
	"work_days":          true,
	"overtime_hours":     true,
	"commute_allowance":  true,
	"housing_allowance":  true,
	"position_allowance": true,
	"bonus_months":       true,
}

// Validate runs structural checks against a slot's declared columns.
// Malformed user data never raises: the result carries the errors.
func (g Registry) Validate(slot domain.FileSlot, t *tabular.Table) domain.ValidationResult {
	var result domain.ValidationResult
	for _, col := range slot.Columns {
		if t.ColumnIndex(col) < 0 {
			result.Errors = append(result.Errors, fmt.Sprintf("required column %q is missing", col))
		}
	}
	if len(result.Errors) > 0 {
		return result
	}
	if len(t.Rows) == 0 {
		result.Errors = append(result.Errors, "file has no data rows")
		return result
	}

	codeIdx := t.ColumnIndex("employee_code")
	monthIdx := t.ColumnIndex("target_month")
	months := map[string]bool{}
	for i := range t.Rows {
		if codeIdx >= 0 && t.Cell(i, codeIdx) == "" {
			result.Errors = append(result.Errors, fmt.Sprintf("row %d: employee_code is empty", i+2))
		}
		for _, col := range slot.Columns {
			if !numericColumns[col] {
				continue
			}
			if _, err := t.Float(i, t.ColumnIndex(col)); err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("row %d, column %s: %v", i+2, col, err))
			}
		}
		if monthIdx >= 0 {
			if m := t.Cell(i, monthIdx); m != "" {
				if !yearMonthRe.MatchString(m) {
					result.Errors = append(result.Errors, fmt.Sprintf("row %d: target_month %q is not YYYY-MM", i+2, m))
				} else {
					months[m] = true
				}
			}
		}
	}
	if len(months) > 1 {
		result.Errors = append(result.Errors, fmt.Sprintf("file mixes %d target months; one per file expected", len(months)))
	}
	result.Valid = len(result.Errors) == 0
	return result
}

// Summarize computes the immutable FileSummary for a file that already
// passed Validate. Anomalous rows are flagged as warnings, not dropped.
func (g Registry) Summarize(slot domain.FileSlot, t *tabular.Table) domain.FileSummary {
	summary := domain.FileSummary{
		FileType:    slot.FileType,
		RecordCount: len(t.Rows),
		Details: map[string]any{
			"columns": t.Columns,
		},
	}
	monthIdx := t.ColumnIndex("target_month")
	if monthIdx >= 0 && len(t.Rows) > 0 {
		summary.TargetYearMonth = t.Cell(0, monthIdx)
	}

	codeIdx := t.ColumnIndex("employee_code")
	deptIdx := t.ColumnIndex("department")
	overtimeIdx := t.ColumnIndex("overtime_hours")
	workDaysIdx := t.ColumnIndex("work_days")
	departments := map[string]bool{}
	var totalWorkDays, totalOvertime float64
	for i := range t.Rows {
		code := t.Cell(i, codeIdx)
		if deptIdx >= 0 {
			if dept := t.Cell(i, deptIdx); dept == "" {
				summary.Warnings = append(summary.Warnings, fmt.Sprintf("employee %s: department is blank", code))
			} else {
				departments[dept] = true
			}
		}
		if overtimeIdx >= 0 {
			if h, err := t.Float(i, overtimeIdx); err == nil {
				totalOvertime += h
				if h > 80 {
					summary.Warnings = append(summary.Warnings, fmt.Sprintf("employee %s: overtime %.1fh exceeds 80h", code, h))
				}
			}
		}
		if workDaysIdx >= 0 {
			if d, err := t.Float(i, workDaysIdx); err == nil {
				totalWorkDays += d
				if d == 0 {
					summary.Warnings = append(summary.Warnings, fmt.Sprintf("employee %s: zero work days", code))
				}
			}
		}
	}
	if deptIdx >= 0 {
		summary.Details["department_count"] = len(departments)
	}
	if workDaysIdx >= 0 {
		summary.Details["total_work_days"] = totalWorkDays
	}
	if overtimeIdx >= 0 {
		summary.Details["overtime_hours"] = totalOvertime
	}
	return summary
}

// Record upserts file metadata for a session. Replacing a file_type
// entry invalidates any pending calculation summary, which must then
// be regenerated before confirmation.
func (g Registry) Record(ctx context.Context, f domain.UploadedFile) error {
	tx, err := g.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := g.RecordTx(ctx, tx, f); err != nil {
		return err
	}
	return tx.Commit()
}

// RecordTx is Record inside the caller's transaction.
func (g Registry) RecordTx(ctx context.Context, tx *sql.Tx, f domain.UploadedFile) error {
	if f.UploadedAt == "" {
		f.UploadedAt = g.now().UTC().Format(time.RFC3339Nano)
	}
	if err := g.Repo.UpsertUploadedFileTx(ctx, tx, f); err != nil {
		return fmt.Errorf("record uploaded file: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE sessions SET pending_summary_json=NULL WHERE id=?`, f.SessionID); err != nil {
		return fmt.Errorf("invalidate pending summary: %w", err)
	}
	return g.Events.Append(ctx, tx, "file.recorded", f.SessionID, "file", f.FileType, events.EventPayload{
		"record_count": f.Summary.RecordCount,
		"warnings":     len(f.Summary.Warnings),
	})
}
