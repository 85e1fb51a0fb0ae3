package taskman

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"paychat/internal/catalog"
	"paychat/internal/db"
	"paychat/internal/domain"
	"paychat/internal/events"
	"paychat/internal/registry"
	"paychat/internal/repo"
	"paychat/internal/tabular"
)

var (
	ErrNoActiveTask     = errors.New("no active task selected")
	ErrNoPendingSummary = errors.New("no pending calculation summary")
)

// UnexpectedFileTypeError marks an upload whose type is not a slot of
// the active task.
type UnexpectedFileTypeError struct {
	FileType string
	TaskID   string
}

func (e UnexpectedFileTypeError) Error() string {
	return fmt.Sprintf("file type %s is not used by task %s", e.FileType, e.TaskID)
}

// IncompleteFilesError lists the required file types still missing.
type IncompleteFilesError struct {
	Missing []string
}

func (e IncompleteFilesError) Error() string {
	return "required files missing: " + strings.Join(e.Missing, ", ")
}

// Manager owns per-session task progress: which task is active, which
// files are uploaded, and the pending calculation summary.
type Manager struct {
	DB        *sql.DB
	Repo      repo.Repo
	Catalog   *catalog.Catalog
	Registry  registry.Registry
	Events    events.Writer
	Workspace string
	Now       func() time.Time
}

func New(conn *sql.DB, cat *catalog.Catalog, workspace string) Manager {
	return Manager{
		DB:        conn,
		Repo:      repo.Repo{DB: conn},
		Catalog:   cat,
		Registry:  registry.New(conn),
		Events:    events.Writer{DB: conn},
		Workspace: workspace,
		Now:       time.Now,
	}
}

func (m Manager) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

// StartResult reports the selected task and which required files are
// still missing after the switch.
type StartResult struct {
	Definition domain.TaskDefinition
	Missing    []string
}

// StartTask activates a task for the session. Switching to a different
// task discards the previous task's uploads; re-selecting the active
// task keeps them. The pending summary is always cleared.
func (m Manager) StartTask(ctx context.Context, sessionID, taskID string) (StartResult, error) {
	def, err := m.Catalog.Get(taskID)
	if err != nil {
		return StartResult{}, err
	}
	session, err := m.Repo.GetSession(ctx, sessionID)
	if err != nil {
		return StartResult{}, err
	}

	tx, err := m.DB.BeginTx(ctx, nil)
	if err != nil {
		return StartResult{}, err
	}
	defer tx.Rollback()

	if session.ActiveTaskID != nil && *session.ActiveTaskID != taskID {
		if err := m.Repo.DeleteUploadedFilesTx(ctx, tx, sessionID); err != nil {
			return StartResult{}, fmt.Errorf("discard previous uploads: %w", err)
		}
	}
	now := m.now().UTC().Format(time.RFC3339)
	if _, err := tx.ExecContext(ctx, `UPDATE sessions SET active_task_id=?, pending_summary_json=NULL, last_activity_at=? WHERE id=?`,
		taskID, now, sessionID); err != nil {
		return StartResult{}, err
	}
	if err := m.Events.Append(ctx, tx, "task.started", sessionID, "task", taskID, events.EventPayload{}); err != nil {
		return StartResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return StartResult{}, err
	}

	missing, err := m.missingFiles(ctx, sessionID, def)
	if err != nil {
		return StartResult{}, err
	}
	return StartResult{Definition: def, Missing: missing}, nil
}

// UploadResult reports one handled file upload.
type UploadResult struct {
	FileType   string
	Summary    domain.FileSummary
	Validation domain.ValidationResult
	Complete   bool
	Missing    []string
}

// HandleFileUpload validates, summarizes, and records one uploaded
// file for the session's active task. A validation failure is returned
// in the result without mutating any state.
func (m Manager) HandleFileUpload(ctx context.Context, sessionID, fileType, originalName string, content []byte) (UploadResult, error) {
	session, err := m.Repo.GetSession(ctx, sessionID)
	if err != nil {
		return UploadResult{}, err
	}
	if session.ActiveTaskID == nil {
		return UploadResult{}, ErrNoActiveTask
	}
	def, err := m.Catalog.Get(*session.ActiveTaskID)
	if err != nil {
		return UploadResult{}, err
	}
	slot, ok := def.InputSlot(fileType)
	if !ok {
		return UploadResult{}, UnexpectedFileTypeError{FileType: fileType, TaskID: def.ID}
	}

	table, err := tabular.Read(bytes.NewReader(content))
	if err != nil {
		return UploadResult{}, err
	}
	result := UploadResult{FileType: fileType}
	result.Validation = m.Registry.Validate(slot, table)
	if !result.Validation.Valid {
		return result, nil
	}
	result.Summary = m.Registry.Summarize(slot, table)
	result.Summary.Warnings = append(result.Summary.Warnings, result.Validation.Warnings...)

	dir, err := db.FilesDir(m.Workspace, sessionID)
	if err != nil {
		return UploadResult{}, err
	}
	storagePath := filepath.Join(dir, fileType+".csv")
	if err := os.WriteFile(storagePath, content, 0o644); err != nil {
		return UploadResult{}, fmt.Errorf("store upload: %w", err)
	}

	if err := m.Registry.Record(ctx, domain.UploadedFile{
		SessionID:    sessionID,
		FileType:     fileType,
		OriginalName: originalName,
		StoragePath:  storagePath,
		Summary:      result.Summary,
	}); err != nil {
		return UploadResult{}, err
	}

	result.Missing, err = m.missingFiles(ctx, sessionID, def)
	if err != nil {
		return UploadResult{}, err
	}
	result.Complete = len(result.Missing) == 0
	return result, nil
}

// DetectFileType matches an uploaded table against the active task's
// input slots by column identity and returns the slot it fits. An
// ambiguous or unmatched header is a user error, not a crash.
func (m Manager) DetectFileType(ctx context.Context, sessionID string, table *tabular.Table) (string, error) {
	session, err := m.Repo.GetSession(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if session.ActiveTaskID == nil {
		return "", ErrNoActiveTask
	}
	def, err := m.Catalog.Get(*session.ActiveTaskID)
	if err != nil {
		return "", err
	}
	var matches []string
	for _, slot := range def.Files {
		if slot.Output {
			continue
		}
		all := true
		for _, col := range slot.Columns {
			if table.ColumnIndex(col) < 0 {
				all = false
				break
			}
		}
		if all {
			matches = append(matches, slot.FileType)
		}
	}
	switch len(matches) {
	case 1:
		return matches[0], nil
	case 0:
		return "", fmt.Errorf("columns do not match any file of task %s", def.ID)
	default:
		// Prefer the slot whose column set is largest; ties stay ambiguous.
		best, bestCols, tie := "", -1, false
		for _, ft := range matches {
			slot, _ := def.InputSlot(ft)
			switch {
			case len(slot.Columns) > bestCols:
				best, bestCols, tie = ft, len(slot.Columns), false
			case len(slot.Columns) == bestCols:
				tie = true
			}
		}
		if tie {
			return "", fmt.Errorf("columns match more than one file of task %s", def.ID)
		}
		return best, nil
	}
}

// GenerateSummary aggregates the uploaded files into the
// pre-calculation summary and persists it as the pending summary.
// Idempotent for an unchanged file set.
func (m Manager) GenerateSummary(ctx context.Context, sessionID string) (domain.CalculationSummary, error) {
	session, err := m.Repo.GetSession(ctx, sessionID)
	if err != nil {
		return domain.CalculationSummary{}, err
	}
	if session.ActiveTaskID == nil {
		return domain.CalculationSummary{}, ErrNoActiveTask
	}
	def, err := m.Catalog.Get(*session.ActiveTaskID)
	if err != nil {
		return domain.CalculationSummary{}, err
	}
	missing, err := m.missingFiles(ctx, sessionID, def)
	if err != nil {
		return domain.CalculationSummary{}, err
	}
	if len(missing) > 0 {
		return domain.CalculationSummary{}, IncompleteFilesError{Missing: missing}
	}

	files, err := m.Repo.ListUploadedFiles(ctx, sessionID)
	if err != nil {
		return domain.CalculationSummary{}, err
	}
	summary := domain.CalculationSummary{TaskID: def.ID}
	for _, f := range files {
		fs := f.Summary
		switch f.FileType {
		case "employee_master":
			summary.EmployeeCount = fs.RecordCount
			summary.DepartmentCount = detailInt(fs.Details, "department_count")
		case "attendance":
			summary.TotalWorkDays = detailInt(fs.Details, "total_work_days")
			summary.OvertimeHours = detailFloat(fs.Details, "overtime_hours")
		}
		if summary.TargetYearMonth == "" && fs.TargetYearMonth != "" {
			summary.TargetYearMonth = fs.TargetYearMonth
		}
		summary.SpecialCases = append(summary.SpecialCases, fs.Warnings...)
	}

	tx, err := m.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.CalculationSummary{}, err
	}
	defer tx.Rollback()
	payload, err := summaryJSON(summary)
	if err != nil {
		return domain.CalculationSummary{}, err
	}
	now := m.now().UTC().Format(time.RFC3339)
	if _, err := tx.ExecContext(ctx, `UPDATE sessions SET pending_summary_json=?, last_activity_at=? WHERE id=?`, payload, now, sessionID); err != nil {
		return domain.CalculationSummary{}, err
	}
	if err := m.Events.Append(ctx, tx, "summary.generated", sessionID, "task", def.ID, events.EventPayload{
		"employee_count":    summary.EmployeeCount,
		"target_year_month": summary.TargetYearMonth,
	}); err != nil {
		return domain.CalculationSummary{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.CalculationSummary{}, err
	}
	return summary, nil
}

// SpecialCases concatenates every uploaded file's warnings in upload
// order.
func (m Manager) SpecialCases(ctx context.Context, sessionID string) ([]string, error) {
	files, err := m.Repo.ListUploadedFiles(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	var cases []string
	for _, f := range files {
		cases = append(cases, f.Summary.Warnings...)
	}
	return cases, nil
}

// ResetTask clears the active task, its uploads, and the pending
// summary (RETURN_TO_MENU semantics).
func (m Manager) ResetTask(ctx context.Context, sessionID string) error {
	tx, err := m.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := m.Repo.DeleteUploadedFilesTx(ctx, tx, sessionID); err != nil {
		return err
	}
	now := m.now().UTC().Format(time.RFC3339)
	if _, err := tx.ExecContext(ctx, `UPDATE sessions SET active_task_id=NULL, pending_summary_json=NULL, last_activity_at=? WHERE id=?`, now, sessionID); err != nil {
		return err
	}
	if err := m.Events.Append(ctx, tx, "session.reset", sessionID, "session", sessionID, events.EventPayload{}); err != nil {
		return err
	}
	return tx.Commit()
}

// UploadedPaths returns file_type -> storage path for the executor.
func (m Manager) UploadedPaths(ctx context.Context, sessionID string) (map[string]string, error) {
	files, err := m.Repo.ListUploadedFiles(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	paths := make(map[string]string, len(files))
	for _, f := range files {
		if f.Output {
			continue
		}
		paths[f.FileType] = f.StoragePath
	}
	return paths, nil
}

func (m Manager) missingFiles(ctx context.Context, sessionID string, def domain.TaskDefinition) ([]string, error) {
	files, err := m.Repo.ListUploadedFiles(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	have := map[string]bool{}
	for _, f := range files {
		have[f.FileType] = true
	}
	var missing []string
	for _, ft := range def.RequiredFileTypes() {
		if !have[ft] {
			missing = append(missing, ft)
		}
	}
	return missing, nil
}

func detailInt(details map[string]any, key string) int {
	return int(detailFloat(details, key))
}

// JSON round-trips turn numbers into float64; accept both.
func detailFloat(details map[string]any, key string) float64 {
	switch v := details[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return 0
	}
}

func summaryJSON(s domain.CalculationSummary) (string, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("marshal summary: %w", err)
	}
	return string(b), nil
}
