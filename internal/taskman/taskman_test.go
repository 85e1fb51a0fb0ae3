package taskman_test

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"paychat/internal/catalog"
	"paychat/internal/config"
	"paychat/internal/db"
	"paychat/internal/domain"
	"paychat/internal/migrate"
	"paychat/internal/repo"
	"paychat/internal/tabular"
	"paychat/internal/taskman"
)

type testEnv struct {
	Manager taskman.Manager
	Repo    repo.Repo
	Ctx     context.Context
	Session string
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cat, err := catalog.New(config.Default())
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	m := taskman.New(conn, cat, workspace)
	m.Now = func() time.Time { return time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC) }

	ctx := context.Background()
	r := repo.Repo{DB: conn}
	now := "2024-06-01T00:00:00Z"
	sess := domain.Session{ID: "sess-1", State: domain.StateTaskSelection, CreatedAt: now, LastActivityAt: now}
	if err := r.InsertSession(ctx, sess); err != nil {
		t.Fatalf("insert session: %v", err)
	}
	return testEnv{Manager: m, Repo: r, Ctx: ctx, Session: sess.ID}
}

const (
	employeeCSV  = "employee_code,name,department,base_salary\nE001,Alice,Sales,300000\nE002,Bob,Dev,280000\n"
	attendCSV    = "employee_code,target_month,work_days,overtime_hours\nE001,2024-06,20,10\nE002,2024-06,19,0\n"
	allowanceCSV = "employee_code,commute_allowance,housing_allowance\nE001,10000,20000\nE002,8000,0\n"
)

func startSalary(t *testing.T, env testEnv) {
	t.Helper()
	if _, err := env.Manager.StartTask(env.Ctx, env.Session, "payroll_salary"); err != nil {
		t.Fatalf("start task: %v", err)
	}
}

func upload(t *testing.T, env testEnv, fileType, csv string) taskman.UploadResult {
	t.Helper()
	res, err := env.Manager.HandleFileUpload(env.Ctx, env.Session, fileType, fileType+".csv", []byte(csv))
	if err != nil {
		t.Fatalf("upload %s: %v", fileType, err)
	}
	return res
}

func TestStartTaskReportsMissingFiles(t *testing.T) {
	env := newTestEnv(t)
	start, err := env.Manager.StartTask(env.Ctx, env.Session, "payroll_salary")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	want := []string{"employee_master", "attendance", "allowance_master"}
	if strings.Join(start.Missing, ",") != strings.Join(want, ",") {
		t.Fatalf("missing: %v", start.Missing)
	}
	sess, err := env.Repo.GetSession(env.Ctx, env.Session)
	if err != nil {
		t.Fatal(err)
	}
	if sess.ActiveTaskID == nil || *sess.ActiveTaskID != "payroll_salary" {
		t.Fatalf("active task not persisted: %+v", sess)
	}
}

func TestUploadWithoutActiveTask(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Manager.HandleFileUpload(env.Ctx, env.Session, "employee_master", "e.csv", []byte(employeeCSV))
	if !errors.Is(err, taskman.ErrNoActiveTask) {
		t.Fatalf("expected ErrNoActiveTask, got %v", err)
	}
}

func TestUploadUnexpectedFileType(t *testing.T) {
	env := newTestEnv(t)
	startSalary(t, env)
	_, err := env.Manager.HandleFileUpload(env.Ctx, env.Session, "bonus_evaluation", "b.csv", []byte("employee_code\nE001\n"))
	var unexpected taskman.UnexpectedFileTypeError
	if !errors.As(err, &unexpected) || unexpected.FileType != "bonus_evaluation" {
		t.Fatalf("expected UnexpectedFileTypeError, got %v", err)
	}
}

func TestUploadInvalidFileDoesNotMutate(t *testing.T) {
	env := newTestEnv(t)
	startSalary(t, env)
	res := upload(t, env, "attendance", "employee_code,target_month,work_days,overtime_hours\nE001,June,20,10\n")
	if res.Validation.Valid {
		t.Fatal("expected invalid")
	}
	files, err := env.Repo.ListUploadedFiles(env.Ctx, env.Session)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 0 {
		t.Fatalf("invalid upload must not be recorded: %v", files)
	}
}

func TestUploadProgressAndCompletion(t *testing.T) {
	env := newTestEnv(t)
	startSalary(t, env)

	res := upload(t, env, "employee_master", employeeCSV)
	if res.Complete || len(res.Missing) != 2 {
		t.Fatalf("after first upload: %+v", res)
	}
	if res.Summary.RecordCount != 2 {
		t.Fatalf("summary: %+v", res.Summary)
	}
	upload(t, env, "attendance", attendCSV)
	res = upload(t, env, "allowance_master", allowanceCSV)
	if !res.Complete || len(res.Missing) != 0 {
		t.Fatalf("after all uploads: %+v", res)
	}

	// storage path holds the raw bytes
	f, err := env.Repo.GetUploadedFile(env.Ctx, env.Session, "employee_master")
	if err != nil {
		t.Fatal(err)
	}
	raw, err := os.ReadFile(f.StoragePath)
	if err != nil || string(raw) != employeeCSV {
		t.Fatalf("stored bytes differ: %v", err)
	}
}

func TestReuploadReplacesAndInvalidatesSummary(t *testing.T) {
	env := newTestEnv(t)
	startSalary(t, env)
	upload(t, env, "employee_master", employeeCSV)
	upload(t, env, "attendance", attendCSV)
	upload(t, env, "allowance_master", allowanceCSV)
	if _, err := env.Manager.GenerateSummary(env.Ctx, env.Session); err != nil {
		t.Fatalf("summary: %v", err)
	}
	sess, _ := env.Repo.GetSession(env.Ctx, env.Session)
	if sess.PendingSummary == nil {
		t.Fatal("pending summary should be persisted")
	}

	upload(t, env, "attendance", attendCSV)
	sess, _ = env.Repo.GetSession(env.Ctx, env.Session)
	if sess.PendingSummary != nil {
		t.Fatal("re-upload must invalidate the pending summary")
	}
	files, _ := env.Repo.ListUploadedFiles(env.Ctx, env.Session)
	if len(files) != 3 {
		t.Fatalf("re-upload must replace, not append: %d files", len(files))
	}
}

func TestDetectFileTypeByColumns(t *testing.T) {
	env := newTestEnv(t)
	startSalary(t, env)
	table, err := tabular.Read(strings.NewReader(attendCSV))
	if err != nil {
		t.Fatal(err)
	}
	ft, err := env.Manager.DetectFileType(env.Ctx, env.Session, table)
	if err != nil || ft != "attendance" {
		t.Fatalf("detect: %q, %v", ft, err)
	}

	table, err = tabular.Read(strings.NewReader("one,two\n1,2\n"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Manager.DetectFileType(env.Ctx, env.Session, table); err == nil {
		t.Fatal("unmatched columns should error")
	}
}

func TestGenerateSummaryAggregates(t *testing.T) {
	env := newTestEnv(t)
	startSalary(t, env)
	upload(t, env, "employee_master", employeeCSV)
	upload(t, env, "attendance", attendCSV)
	upload(t, env, "allowance_master", allowanceCSV)

	summary, err := env.Manager.GenerateSummary(env.Ctx, env.Session)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if summary.EmployeeCount != 2 || summary.DepartmentCount != 2 {
		t.Fatalf("employee aggregates: %+v", summary)
	}
	if summary.TotalWorkDays != 39 || summary.OvertimeHours != 10 {
		t.Fatalf("attendance aggregates: %+v", summary)
	}
	if summary.TargetYearMonth != "2024-06" {
		t.Fatalf("target month: %+v", summary)
	}

	// idempotent for an unchanged file set
	again, err := env.Manager.GenerateSummary(env.Ctx, env.Session)
	if err != nil || again.EmployeeCount != summary.EmployeeCount {
		t.Fatalf("regenerate: %+v, %v", again, err)
	}
}

func TestGenerateSummaryIncomplete(t *testing.T) {
	env := newTestEnv(t)
	startSalary(t, env)
	upload(t, env, "employee_master", employeeCSV)
	_, err := env.Manager.GenerateSummary(env.Ctx, env.Session)
	var incomplete taskman.IncompleteFilesError
	if !errors.As(err, &incomplete) || len(incomplete.Missing) != 2 {
		t.Fatalf("expected IncompleteFilesError, got %v", err)
	}
}

func TestSwitchingTaskDiscardsUploads(t *testing.T) {
	env := newTestEnv(t)
	startSalary(t, env)
	upload(t, env, "employee_master", employeeCSV)

	// re-selecting the same task keeps uploads
	start, err := env.Manager.StartTask(env.Ctx, env.Session, "payroll_salary")
	if err != nil {
		t.Fatal(err)
	}
	if len(start.Missing) != 2 {
		t.Fatalf("same-task restart should keep uploads: %v", start.Missing)
	}

	// switching discards them
	if _, err := env.Manager.StartTask(env.Ctx, env.Session, "payroll_bonus"); err != nil {
		t.Fatal(err)
	}
	files, _ := env.Repo.ListUploadedFiles(env.Ctx, env.Session)
	if len(files) != 0 {
		t.Fatalf("switch should discard uploads: %v", files)
	}
}

func TestResetTask(t *testing.T) {
	env := newTestEnv(t)
	startSalary(t, env)
	upload(t, env, "employee_master", employeeCSV)
	if err := env.Manager.ResetTask(env.Ctx, env.Session); err != nil {
		t.Fatalf("reset: %v", err)
	}
	sess, _ := env.Repo.GetSession(env.Ctx, env.Session)
	if sess.ActiveTaskID != nil || sess.PendingSummary != nil {
		t.Fatalf("reset left task state: %+v", sess)
	}
	files, _ := env.Repo.ListUploadedFiles(env.Ctx, env.Session)
	if len(files) != 0 {
		t.Fatalf("reset left uploads: %v", files)
	}
}
