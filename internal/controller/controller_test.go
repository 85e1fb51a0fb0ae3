package controller_test

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"

	"paychat/internal/catalog"
	"paychat/internal/config"
	"paychat/internal/controller"
	"paychat/internal/db"
	"paychat/internal/domain"
	"paychat/internal/intent"
	"paychat/internal/migrate"
	"paychat/internal/repo"
)

const (
	employeeCSV  = "employee_code,name,department,base_salary\nE001,Alice,Sales,300000\nE002,Bob,Dev,280000\n"
	attendCSV    = "employee_code,target_month,work_days,overtime_hours\nE001,2024-06,20,10\nE002,2024-06,19,0\n"
	allowanceCSV = "employee_code,commute_allowance,housing_allowance\nE001,10000,20000\nE002,8000,0\n"
)

type testEnv struct {
	Ctrl *controller.Controller
	Repo repo.Repo
	Ctx  context.Context
}

func newTestEnv(t *testing.T, classifier intent.Classifier) testEnv {
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
	cfg := config.Default()
	cat, err := catalog.New(cfg)
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	if classifier == nil {
		classifier = intent.RuleClassifier{}
	}
	ctrl := controller.New(conn, cat, classifier, workspace, cfg)
	return testEnv{Ctrl: ctrl, Repo: repo.Repo{DB: conn}, Ctx: context.Background()}
}

func newSession(t *testing.T, env testEnv) string {
	t.Helper()
	sess, turn, err := env.Ctrl.NewSession(env.Ctx)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if turn.State != domain.StateTaskSelection {
		t.Fatalf("greeting state: %s", turn.State)
	}
	return sess.ID
}

func sendText(t *testing.T, env testEnv, sessionID, text string) controller.Turn {
	t.Helper()
	turn, err := env.Ctrl.HandleText(env.Ctx, sessionID, text)
	if err != nil {
		t.Fatalf("text %q: %v", text, err)
	}
	return turn
}

func sendFile(t *testing.T, env testEnv, sessionID, name, csv string) controller.Turn {
	t.Helper()
	turn, err := env.Ctrl.HandleFile(env.Ctx, sessionID, name, []byte(csv))
	if err != nil {
		t.Fatalf("file %q: %v", name, err)
	}
	return turn
}

func allText(t controller.Turn) string {
	var parts []string
	for _, m := range t.Messages {
		parts = append(parts, m.Text)
	}
	return strings.Join(parts, "\n")
}

func TestGreetingIncludesTaskMenu(t *testing.T) {
	env := newTestEnv(t, nil)
	sess, turn, err := env.Ctrl.NewSession(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	var sawHTML bool
	for _, m := range turn.Messages {
		if m.IsHTML {
			sawHTML = true
		}
	}
	if !sawHTML {
		t.Fatal("greeting should include an HTML task menu")
	}
	msgs, err := env.Repo.ListMessages(env.Ctx, sess.ID)
	if err != nil || len(msgs) != len(turn.Messages) {
		t.Fatalf("greeting messages not persisted: %d, %v", len(msgs), err)
	}
}

func TestFullSalaryRun(t *testing.T) {
	env := newTestEnv(t, nil)
	id := newSession(t, env)

	turn := sendText(t, env, id, "1")
	if turn.State != domain.StateFileCollection {
		t.Fatalf("after task start: %s", turn.State)
	}

	turn = sendFile(t, env, id, "employee_master.csv", employeeCSV)
	if turn.State != domain.StateFileCollection || !strings.Contains(allText(turn), "Still needed") {
		t.Fatalf("after first file: %s %q", turn.State, allText(turn))
	}
	sendFile(t, env, id, "attendance.csv", attendCSV)
	turn = sendFile(t, env, id, "allowance_master.csv", allowanceCSV)
	if turn.State != domain.StateAwaitingConfirmation {
		t.Fatalf("after last file: %s", turn.State)
	}

	turn = sendText(t, env, id, "yes")
	if turn.State != domain.StateTaskSelection {
		t.Fatalf("after confirmation: %s", turn.State)
	}
	runs, err := env.Repo.ListCalculationRuns(env.Ctx, id)
	if err != nil || len(runs) != 1 {
		t.Fatalf("runs: %v, %v", runs, err)
	}
	if runs[0].RowCount != 2 {
		t.Fatalf("run rows: %+v", runs[0])
	}
	if _, err := os.Stat(runs[0].OutputPath); err != nil {
		t.Fatalf("output artifact missing: %v", err)
	}

	// task progress is cleared after completion
	sess, _ := env.Repo.GetSession(env.Ctx, id)
	if sess.ActiveTaskID != nil || sess.PendingSummary != nil {
		t.Fatalf("session not reset: %+v", sess)
	}
	files, _ := env.Repo.ListUploadedFiles(env.Ctx, id)
	if len(files) != 0 {
		t.Fatalf("uploads not cleared: %v", files)
	}
}

func TestDetectionByColumnsWhenNameIsOpaque(t *testing.T) {
	env := newTestEnv(t, nil)
	id := newSession(t, env)
	sendText(t, env, id, "1")
	turn := sendFile(t, env, id, "export-2024-06-final.csv", attendCSV)
	if !strings.Contains(allText(turn), "attendance") {
		t.Fatalf("column detection should identify attendance: %q", allText(turn))
	}
}

func TestDeclineConfirmation(t *testing.T) {
	env := newTestEnv(t, nil)
	id := newSession(t, env)
	sendText(t, env, id, "1")
	sendFile(t, env, id, "employee_master.csv", employeeCSV)
	sendFile(t, env, id, "attendance.csv", attendCSV)
	sendFile(t, env, id, "allowance_master.csv", allowanceCSV)

	turn := sendText(t, env, id, "no")
	if turn.State != domain.StateFileCollection {
		t.Fatalf("decline state: %s", turn.State)
	}
	sess, _ := env.Repo.GetSession(env.Ctx, id)
	if sess.PendingSummary != nil {
		t.Fatal("decline should clear the pending summary")
	}
	runs, _ := env.Repo.ListCalculationRuns(env.Ctx, id)
	if len(runs) != 0 {
		t.Fatal("decline must not run the calculation")
	}
}

func TestInvalidFileKeepsCollecting(t *testing.T) {
	env := newTestEnv(t, nil)
	id := newSession(t, env)
	sendText(t, env, id, "1")
	turn := sendFile(t, env, id, "attendance.csv", "employee_code,target_month,work_days,overtime_hours\nE001,June,20,ten\n")
	if turn.State != domain.StateFileCollection {
		t.Fatalf("invalid file state: %s", turn.State)
	}
	if !strings.Contains(allText(turn), "problems") {
		t.Fatalf("expected validation errors in reply: %q", allText(turn))
	}
	files, _ := env.Repo.ListUploadedFiles(env.Ctx, id)
	if len(files) != 0 {
		t.Fatal("invalid file must not be recorded")
	}
}

func TestReturnToMenuDiscardsProgress(t *testing.T) {
	env := newTestEnv(t, nil)
	id := newSession(t, env)
	sendText(t, env, id, "1")
	sendFile(t, env, id, "employee_master.csv", employeeCSV)

	turn := sendText(t, env, id, "menu")
	if turn.State != domain.StateTaskSelection {
		t.Fatalf("menu state: %s", turn.State)
	}
	files, _ := env.Repo.ListUploadedFiles(env.Ctx, id)
	if len(files) != 0 {
		t.Fatal("menu should discard uploads")
	}
}

func TestQuestionDoesNotChangeState(t *testing.T) {
	env := newTestEnv(t, nil)
	id := newSession(t, env)
	sendText(t, env, id, "1")
	turn := sendText(t, env, id, "what files do I need?")
	if turn.State != domain.StateFileCollection {
		t.Fatalf("question changed state: %s", turn.State)
	}
	if !strings.Contains(allText(turn), "Still needed") {
		t.Fatalf("question reply should list missing files: %q", allText(turn))
	}
}

type fixedClassifier struct {
	result intent.Result
}

func (f fixedClassifier) Classify(context.Context, intent.Input) (intent.Result, error) {
	return f.result, nil
}

func TestLowConfidenceClampsToUnknown(t *testing.T) {
	env := newTestEnv(t, fixedClassifier{result: intent.Result{
		Type:       intent.TaskStart,
		Confidence: 0.3,
		Params:     map[string]string{"task_id": "payroll_salary"},
	}})
	id := newSession(t, env)
	turn := sendText(t, env, id, "maybe the salary thing?")
	if turn.State != domain.StateTaskSelection {
		t.Fatalf("low confidence must not transition: %s", turn.State)
	}
	sess, _ := env.Repo.GetSession(env.Ctx, id)
	if sess.ActiveTaskID != nil {
		t.Fatal("low confidence must not start a task")
	}
	if sess.LastIntent != string(intent.Unknown) {
		t.Fatalf("last intent should be unknown, got %q", sess.LastIntent)
	}
}

func TestFailedRunDoesNotStrandSessionInExecuting(t *testing.T) {
	env := newTestEnv(t, nil)
	id := newSession(t, env)
	sendText(t, env, id, "1")
	sendFile(t, env, id, "employee_master.csv", employeeCSV)
	sendFile(t, env, id, "attendance.csv", attendCSV)
	sendFile(t, env, id, "allowance_master.csv", allowanceCSV)

	// Make recording the run impossible so the turn fails after the
	// calculation has started.
	if _, err := env.Repo.DB.ExecContext(env.Ctx, "DROP TABLE calculation_runs"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Ctrl.HandleText(env.Ctx, id, "yes"); err == nil {
		t.Fatal("expected the turn to fail")
	}
	sess, err := env.Repo.GetSession(env.Ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if sess.State != domain.StateAwaitingConfirmation {
		t.Fatalf("failed turn must release the gate, got state %s", sess.State)
	}
}

func TestConfirmationOutsideAwaitingConfirmation(t *testing.T) {
	env := newTestEnv(t, fixedClassifier{result: intent.Result{
		Type:       intent.Confirmation,
		Confidence: 1,
		Params:     map[string]string{"answer": "yes"},
	}})
	id := newSession(t, env)
	if _, err := env.Ctrl.Tasks.StartTask(env.Ctx, id, "payroll_salary"); err != nil {
		t.Fatal(err)
	}
	if err := env.Repo.UpdateSessionState(env.Ctx, id, domain.StateFileCollection); err != nil {
		t.Fatal(err)
	}

	turn := sendText(t, env, id, "yes")
	if turn.State != domain.StateFileCollection {
		t.Fatalf("confirmation outside awaiting_confirmation changed state: %s", turn.State)
	}
	runs, _ := env.Repo.ListCalculationRuns(env.Ctx, id)
	if len(runs) != 0 {
		t.Fatal("confirmation outside awaiting_confirmation must not run the calculation")
	}
	if !strings.Contains(allText(turn), "Upload the task's input files") {
		t.Fatalf("expected guidance for the current state: %q", allText(turn))
	}
}

func TestExecutingSessionRejectsTurns(t *testing.T) {
	env := newTestEnv(t, nil)
	id := newSession(t, env)
	if err := env.Repo.UpdateSessionState(env.Ctx, id, domain.StateExecuting); err != nil {
		t.Fatal(err)
	}
	turn := sendText(t, env, id, "hello")
	if turn.State != domain.StateExecuting {
		t.Fatalf("busy turn state: %s", turn.State)
	}
	if !strings.Contains(allText(turn), "already in progress") {
		t.Fatalf("expected busy reply: %q", allText(turn))
	}
}

func TestRecoverRevertsExecutingSessions(t *testing.T) {
	env := newTestEnv(t, nil)
	id := newSession(t, env)
	if err := env.Repo.UpdateSessionState(env.Ctx, id, domain.StateExecuting); err != nil {
		t.Fatal(err)
	}
	n, err := env.Ctrl.Recover(env.Ctx)
	if err != nil || n != 1 {
		t.Fatalf("recover: %d, %v", n, err)
	}
	sess, _ := env.Repo.GetSession(env.Ctx, id)
	if sess.State != domain.StateAwaitingConfirmation {
		t.Fatalf("recovered state: %s", sess.State)
	}
}

func TestUnknownSessionIsNotFound(t *testing.T) {
	env := newTestEnv(t, nil)
	_, err := env.Ctrl.HandleText(env.Ctx, "missing", "hi")
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFileBeforeTaskSelection(t *testing.T) {
	env := newTestEnv(t, nil)
	id := newSession(t, env)
	turn := sendFile(t, env, id, "employee_master.csv", employeeCSV)
	if turn.State != domain.StateTaskSelection {
		t.Fatalf("state: %s", turn.State)
	}
	if !strings.Contains(allText(turn), "pick a task") {
		t.Fatalf("expected task prompt: %q", allText(turn))
	}
}
