package controller

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"paychat/internal/calc"
	"paychat/internal/catalog"
	"paychat/internal/config"
	"paychat/internal/db"
	"paychat/internal/domain"
	"paychat/internal/events"
	"paychat/internal/intent"
	"paychat/internal/repo"
	"paychat/internal/tabular"
	"paychat/internal/taskman"
)

// Reply is one assistant message produced by a turn.
type Reply struct {
	Text   string
	IsHTML bool
}

// Turn is the outcome of one handled user turn.
type Turn struct {
	Messages []Reply
	State    domain.ConversationState
}

// Controller drives the conversation state machine. Every user turn
// goes through exactly one of HandleText or HandleFile, serialized
// per session.
type Controller struct {
	DB         *sql.DB
	Repo       repo.Repo
	Catalog    *catalog.Catalog
	Tasks      taskman.Manager
	Calc       calc.Executor
	Classifier intent.Classifier
	Events     events.Writer
	Workspace  string

	Threshold     float64
	CalcTimeout   time.Duration
	IdleExpiry    time.Duration
	HistoryWindow int
	Now           func() time.Time

	mu       sync.Mutex
	sessions map[string]*sync.Mutex
}

func New(conn *sql.DB, cat *catalog.Catalog, classifier intent.Classifier, workspace string, cfg *config.Config) *Controller {
	return &Controller{
		DB:            conn,
		Repo:          repo.Repo{DB: conn},
		Catalog:       cat,
		Tasks:         taskman.New(conn, cat, workspace),
		Classifier:    classifier,
		Events:        events.Writer{DB: conn},
		Workspace:     workspace,
		Threshold:     cfg.Classifier.ConfidenceThreshold,
		CalcTimeout:   time.Duration(cfg.Calculation.TimeoutSeconds) * time.Second,
		IdleExpiry:    time.Duration(cfg.Session.IdleExpiryMinutes) * time.Minute,
		HistoryWindow: cfg.Session.HistoryWindow,
		Now:           time.Now,
		sessions:      map[string]*sync.Mutex{},
	}
}

func (c *Controller) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c *Controller) stamp() string {
	return c.now().UTC().Format(time.RFC3339)
}

// sessionLock serializes turns per session. The lock map only grows;
// sessions are few and short-lived enough that reaping is not worth
// the bookkeeping.
func (c *Controller) sessionLock(id string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.sessions[id]
	if !ok {
		m = &sync.Mutex{}
		c.sessions[id] = m
	}
	return m
}

// Recover reverts sessions that were mid-calculation when the process
// died. Their pending summary is intact, so they resume at the
// confirmation prompt.
func (c *Controller) Recover(ctx context.Context) (int, error) {
	ids, err := c.Repo.SessionIDsInState(ctx, domain.StateExecuting)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		if err := c.Repo.UpdateSessionState(ctx, id, domain.StateAwaitingConfirmation); err != nil {
			return 0, fmt.Errorf("recover session %s: %w", id, err)
		}
	}
	return len(ids), nil
}

// ExpireIdle deletes sessions with no activity inside the idle window.
func (c *Controller) ExpireIdle(ctx context.Context) (int, error) {
	if c.IdleExpiry <= 0 {
		return 0, nil
	}
	return c.Repo.DeleteIdleSessions(ctx, c.now().UTC().Add(-c.IdleExpiry))
}

// NewSession creates a session and greets it with the task menu.
func (c *Controller) NewSession(ctx context.Context) (domain.Session, Turn, error) {
	now := c.stamp()
	sess := domain.Session{
		ID:             uuid.NewString(),
		State:          domain.StateTaskSelection,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	if err := c.Repo.InsertSession(ctx, sess); err != nil {
		return domain.Session{}, Turn{}, err
	}
	turn := Turn{
		State: sess.State,
		Messages: []Reply{
			{Text: "Hello. I can run payroll calculations for you. Which task should we start?"},
			{Text: renderTaskMenu(c.Catalog.List()), IsHTML: true},
		},
	}
	for _, r := range turn.Messages {
		if err := c.Repo.AppendMessage(ctx, assistantMessage(sess.ID, r, now)); err != nil {
			return domain.Session{}, Turn{}, err
		}
	}
	return sess, turn, nil
}

// HandleText processes one text turn.
func (c *Controller) HandleText(ctx context.Context, sessionID, text string) (Turn, error) {
	lock := c.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	sess, err := c.Repo.GetSession(ctx, sessionID)
	if err != nil {
		return Turn{}, err
	}
	if sess.State == domain.StateExecuting {
		return c.commitTurn(ctx, sess, text, []Reply{
			{Text: "A calculation is already in progress for this session. Please wait for it to finish."},
		})
	}

	res, err := c.classify(ctx, sess, text)
	if err != nil {
		return Turn{}, err
	}
	if res.Confidence < c.Threshold {
		res = intent.Result{Type: intent.Unknown}
	}
	sess.LastIntent = string(res.Type)

	switch res.Type {
	case intent.TaskStart:
		return c.handleTaskStart(ctx, sess, text, res)
	case intent.Question:
		return c.handleQuestion(ctx, sess, text)
	case intent.FileUpload:
		return c.commitTurn(ctx, sess, text, []Reply{
			{Text: "Please attach the file itself and I will check it against the task's requirements."},
		})
	case intent.Confirmation:
		return c.handleConfirmation(ctx, sess, text, res)
	case intent.ReturnToMenu:
		return c.handleReturnToMenu(ctx, sess, text)
	default:
		return c.commitTurn(ctx, sess, text, []Reply{{Text: c.helpFor(sess)}})
	}
}

// HandleFile processes one file-upload turn.
func (c *Controller) HandleFile(ctx context.Context, sessionID, fileName string, content []byte) (Turn, error) {
	lock := c.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	sess, err := c.Repo.GetSession(ctx, sessionID)
	if err != nil {
		return Turn{}, err
	}
	userText := "[file] " + fileName
	if sess.State == domain.StateExecuting {
		return c.commitTurn(ctx, sess, userText, []Reply{
			{Text: "A calculation is already in progress for this session. Please wait for it to finish."},
		})
	}
	sess.LastIntent = string(intent.FileUpload)
	if sess.ActiveTaskID == nil {
		return c.commitTurn(ctx, sess, userText, []Reply{
			{Text: "Please pick a task first, then send its input files."},
			{Text: renderTaskMenu(c.Catalog.List()), IsHTML: true},
		})
	}

	fileType, reply := c.resolveFileType(ctx, sess, fileName, content)
	if fileType == "" {
		return c.commitTurn(ctx, sess, userText, []Reply{{Text: reply}})
	}

	up, err := c.Tasks.HandleFileUpload(ctx, sessionID, fileType, fileName, content)
	if err != nil {
		var unexpected taskman.UnexpectedFileTypeError
		if errors.As(err, &unexpected) {
			return c.commitTurn(ctx, sess, userText, []Reply{
				{Text: fmt.Sprintf("The %s file is not used by the current task.", unexpected.FileType)},
			})
		}
		if errors.Is(err, tabular.ErrNotTabular) {
			return c.commitTurn(ctx, sess, userText, []Reply{
				{Text: "I could not read that file as CSV data. Please check the format and send it again."},
			})
		}
		return Turn{}, err
	}
	if !up.Validation.Valid {
		return c.commitTurn(ctx, sess, userText, []Reply{
			{Text: fmt.Sprintf("The %s file has problems I cannot work around:\n- %s", fileType, strings.Join(up.Validation.Errors, "\n- "))},
			{Text: "Fix the file and upload it again."},
		})
	}

	replies := []Reply{
		{Text: fmt.Sprintf("Received %s.", fileType)},
		{Text: renderFileSummary(up.Summary), IsHTML: true},
	}
	if !up.Complete {
		sess, err = c.refresh(ctx, sess)
		if err != nil {
			return Turn{}, err
		}
		sess.State = domain.StateFileCollection
		sess.LastIntent = string(intent.FileUpload)
		replies = append(replies, Reply{Text: "Still needed: " + joinMissing(up.Missing) + "."})
		return c.commitTurn(ctx, sess, userText, replies)
	}

	summary, err := c.Tasks.GenerateSummary(ctx, sessionID)
	if err != nil {
		return Turn{}, err
	}
	def, err := c.Catalog.Get(*sess.ActiveTaskID)
	if err != nil {
		return Turn{}, err
	}
	sess, err = c.refresh(ctx, sess)
	if err != nil {
		return Turn{}, err
	}
	sess.State = domain.StateAwaitingConfirmation
	sess.LastIntent = string(intent.FileUpload)
	replies = append(replies,
		Reply{Text: "All required files are in. Here is what I am about to calculate:"},
		Reply{Text: renderCalculationSummary(def, summary), IsHTML: true},
		Reply{Text: "Shall I run it? (yes/no)"},
	)
	return c.commitTurn(ctx, sess, userText, replies)
}

func (c *Controller) handleTaskStart(ctx context.Context, sess domain.Session, text string, res intent.Result) (Turn, error) {
	taskID := res.Params["task_id"]
	if taskID == "" {
		return c.commitTurn(ctx, sess, text, []Reply{
			{Text: "Which task did you mean?"},
			{Text: renderTaskMenu(c.Catalog.List()), IsHTML: true},
		})
	}
	start, err := c.Tasks.StartTask(ctx, sess.ID, taskID)
	if err != nil {
		if errors.Is(err, catalog.ErrUnknownTask) {
			return c.commitTurn(ctx, sess, text, []Reply{
				{Text: "I do not know that task."},
				{Text: renderTaskMenu(c.Catalog.List()), IsHTML: true},
			})
		}
		return Turn{}, err
	}
	sess, err = c.refresh(ctx, sess)
	if err != nil {
		return Turn{}, err
	}
	sess.State = domain.StateFileCollection
	sess.LastIntent = string(intent.TaskStart)
	replies := []Reply{
		{Text: fmt.Sprintf("Starting %s. I need these files:", start.Definition.DisplayName)},
		{Text: renderRequiredFiles(start.Definition), IsHTML: true},
	}
	if len(start.Missing) == 0 {
		replies = append(replies, Reply{Text: "Everything is already uploaded. Say so when you want the summary."})
	}
	return c.commitTurn(ctx, sess, text, replies)
}

func (c *Controller) handleQuestion(ctx context.Context, sess domain.Session, text string) (Turn, error) {
	if sess.ActiveTaskID != nil {
		def, err := c.Catalog.Get(*sess.ActiveTaskID)
		if err != nil {
			return Turn{}, err
		}
		missing, err := c.missingForActive(ctx, sess)
		if err != nil {
			return Turn{}, err
		}
		replies := []Reply{
			{Text: fmt.Sprintf("%s: %s", def.DisplayName, def.Description)},
			{Text: renderRequiredFiles(def), IsHTML: true},
		}
		if len(missing) > 0 {
			replies = append(replies, Reply{Text: "Still needed: " + joinMissing(missing) + "."})
		}
		return c.commitTurn(ctx, sess, text, replies)
	}
	return c.commitTurn(ctx, sess, text, []Reply{
		{Text: "These are the tasks I can run:"},
		{Text: renderTaskMenu(c.Catalog.List()), IsHTML: true},
	})
}

func (c *Controller) handleConfirmation(ctx context.Context, sess domain.Session, text string, res intent.Result) (Turn, error) {
	if sess.State != domain.StateAwaitingConfirmation {
		return c.commitTurn(ctx, sess, text, []Reply{{Text: c.helpFor(sess)}})
	}
	switch res.Params["answer"] {
	case "yes":
		return c.execute(ctx, sess, text)
	case "no":
		sess.State = domain.StateFileCollection
		sess.PendingSummary = nil
		return c.commitTurn(ctx, sess, text, []Reply{
			{Text: "Understood, I will not run it. Upload corrected files, or say \"menu\" to start over."},
		})
	default:
		return c.commitTurn(ctx, sess, text, []Reply{
			{Text: "Just to be safe: answer yes to run the calculation, or no to go back."},
		})
	}
}

func (c *Controller) handleReturnToMenu(ctx context.Context, sess domain.Session, text string) (Turn, error) {
	if err := c.Tasks.ResetTask(ctx, sess.ID); err != nil {
		return Turn{}, err
	}
	sess, err := c.refresh(ctx, sess)
	if err != nil {
		return Turn{}, err
	}
	sess.State = domain.StateTaskSelection
	sess.LastIntent = string(intent.ReturnToMenu)
	return c.commitTurn(ctx, sess, text, []Reply{
		{Text: "Back to the menu. Uploaded files for the previous task were discarded."},
		{Text: renderTaskMenu(c.Catalog.List()), IsHTML: true},
	})
}

// execute runs the confirmed calculation. The EXECUTING state is
// persisted before the run starts so any concurrent turn, in this
// process or another, is rejected until the run settles.
func (c *Controller) execute(ctx context.Context, sess domain.Session, text string) (Turn, error) {
	def, err := c.Catalog.Get(*sess.ActiveTaskID)
	if err != nil {
		return Turn{}, err
	}
	files, err := c.Tasks.UploadedPaths(ctx, sess.ID)
	if err != nil {
		return Turn{}, err
	}
	outSlot, ok := def.OutputSlot()
	if !ok {
		return Turn{}, fmt.Errorf("task %s declares no output file", def.ID)
	}
	dir, err := db.FilesDir(c.Workspace, sess.ID)
	if err != nil {
		return Turn{}, err
	}
	outputPath := filepath.Join(dir, outSlot.FileType+".csv")

	if err := c.Repo.UpdateSessionState(ctx, sess.ID, domain.StateExecuting); err != nil {
		return Turn{}, err
	}

	turn, err := c.runConfirmed(ctx, sess, text, def, files, outputPath)
	if err != nil {
		// The session must not stay gated on a turn that failed. Revert
		// to AWAITING_CONFIRMATION so the user can confirm again.
		_ = c.Repo.UpdateSessionState(context.WithoutCancel(ctx), sess.ID, domain.StateAwaitingConfirmation)
		return Turn{}, err
	}
	return turn, nil
}

func (c *Controller) runConfirmed(ctx context.Context, sess domain.Session, text string, def domain.TaskDefinition, files map[string]string, outputPath string) (Turn, error) {
	calcCtx := ctx
	if c.CalcTimeout > 0 {
		var cancel context.CancelFunc
		calcCtx, cancel = context.WithTimeout(ctx, c.CalcTimeout)
		defer cancel()
	}
	result, calcErr := c.Calc.Calculate(calcCtx, def, files, outputPath)
	if calcErr != nil {
		// The summary and uploads are untouched, so the user can fix
		// the data and confirm again.
		sess.State = domain.StateAwaitingConfirmation
		sess.LastIntent = string(intent.Confirmation)
		return c.commitTurn(ctx, sess, text, []Reply{{Text: calcFailureText(calcErr)}})
	}

	return c.finishRun(ctx, sess, text, def, result)
}

// finishRun records the completed run and resets task progress, all in
// the turn's tx so a crash cannot leave a half-finished session.
func (c *Controller) finishRun(ctx context.Context, sess domain.Session, text string, def domain.TaskDefinition, result calc.Result) (Turn, error) {
	now := c.stamp()
	run := domain.CalculationRun{
		ID:         uuid.NewString(),
		SessionID:  sess.ID,
		TaskID:     def.ID,
		OutputPath: result.OutputPath,
		RowCount:   result.RowCount,
		CreatedAt:  now,
	}

	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return Turn{}, err
	}
	defer tx.Rollback()

	if err := c.Repo.InsertCalculationRunTx(ctx, tx, run); err != nil {
		return Turn{}, err
	}
	if err := c.Repo.DeleteUploadedFilesTx(ctx, tx, sess.ID); err != nil {
		return Turn{}, err
	}
	sess.State = domain.StateTaskSelection
	sess.ActiveTaskID = nil
	sess.PendingSummary = nil
	sess.LastIntent = string(intent.Confirmation)
	sess.LastActivityAt = now
	if err := c.Repo.UpdateSessionTx(ctx, tx, sess); err != nil {
		return Turn{}, err
	}

	replies := []Reply{
		{Text: fmt.Sprintf("Done. %s produced %d rows.", def.DisplayName, result.RowCount)},
		{Text: fmt.Sprintf("Output written to %s.", result.OutputPath)},
		{Text: "Anything else?"},
		{Text: renderTaskMenu(c.Catalog.List()), IsHTML: true},
	}
	if err := c.appendExchangeTx(ctx, tx, sess.ID, text, replies, now); err != nil {
		return Turn{}, err
	}
	if err := c.Events.Append(ctx, tx, "calculation.completed", sess.ID, "run", run.ID, events.EventPayload{
		"task_id":   def.ID,
		"row_count": result.RowCount,
	}); err != nil {
		return Turn{}, err
	}
	if err := tx.Commit(); err != nil {
		return Turn{}, err
	}
	return Turn{Messages: replies, State: sess.State}, nil
}

// commitTurn persists the session mutation and the turn's messages in
// one tx and returns the turn.
func (c *Controller) commitTurn(ctx context.Context, sess domain.Session, userText string, replies []Reply) (Turn, error) {
	now := c.stamp()
	sess.LastActivityAt = now

	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return Turn{}, err
	}
	defer tx.Rollback()
	if err := c.Repo.UpdateSessionTx(ctx, tx, sess); err != nil {
		return Turn{}, err
	}
	if err := c.appendExchangeTx(ctx, tx, sess.ID, userText, replies, now); err != nil {
		return Turn{}, err
	}
	if err := tx.Commit(); err != nil {
		return Turn{}, err
	}
	return Turn{Messages: replies, State: sess.State}, nil
}

func (c *Controller) appendExchangeTx(ctx context.Context, tx *sql.Tx, sessionID, userText string, replies []Reply, now string) error {
	if err := c.Repo.AppendMessageTx(ctx, tx, domain.Message{
		SessionID: sessionID,
		Role:      "user",
		Content:   userText,
		CreatedAt: now,
	}); err != nil {
		return err
	}
	for _, r := range replies {
		if err := c.Repo.AppendMessageTx(ctx, tx, assistantMessage(sessionID, r, now)); err != nil {
			return err
		}
	}
	return nil
}

func (c *Controller) classify(ctx context.Context, sess domain.Session, text string) (intent.Result, error) {
	history, err := c.recentExchanges(ctx, sess.ID)
	if err != nil {
		return intent.Result{}, err
	}
	var taskIDs []string
	for _, t := range c.Catalog.List() {
		taskIDs = append(taskIDs, t.ID)
	}
	return c.Classifier.Classify(ctx, intent.Input{
		UserText:      text,
		RecentHistory: history,
		State:         sess.State,
		TaskNames:     taskIDs,
	})
}

// recentExchanges pairs the last few stored messages into user and
// assistant exchanges for classifier context. HTML replies are skipped;
// table markup only confuses the model.
func (c *Controller) recentExchanges(ctx context.Context, sessionID string) ([]intent.Exchange, error) {
	window := c.HistoryWindow
	if window <= 0 {
		window = 3
	}
	msgs, err := c.Repo.RecentMessages(ctx, sessionID, window*6)
	if err != nil {
		return nil, err
	}
	var exchanges []intent.Exchange
	var current *intent.Exchange
	for _, m := range msgs {
		switch {
		case m.Role == "user":
			if current != nil {
				exchanges = append(exchanges, *current)
			}
			current = &intent.Exchange{User: m.Content}
		case current != nil && !m.IsHTML:
			if current.Assistant != "" {
				current.Assistant += " "
			}
			current.Assistant += m.Content
		}
	}
	if current != nil {
		exchanges = append(exchanges, *current)
	}
	if len(exchanges) > window {
		exchanges = exchanges[len(exchanges)-window:]
	}
	return exchanges, nil
}

// resolveFileType maps an upload to a slot: filename stem first, then
// column-identity detection. An empty result carries the user-facing
// explanation.
func (c *Controller) resolveFileType(ctx context.Context, sess domain.Session, fileName string, content []byte) (string, string) {
	def, err := c.Catalog.Get(*sess.ActiveTaskID)
	if err != nil {
		return "", "The current task is no longer configured. Say \"menu\" to start over."
	}
	stem := strings.TrimSuffix(filepath.Base(fileName), filepath.Ext(fileName))
	stem = strings.ToLower(stem)
	for _, slot := range def.Files {
		if !slot.Output && stem == slot.FileType {
			return slot.FileType, ""
		}
	}

	table, err := tabular.Read(bytes.NewReader(content))
	if err != nil {
		return "", "I could not read that file as CSV data. Please check the format and send it again."
	}
	fileType, err := c.Tasks.DetectFileType(ctx, sess.ID, table)
	if err != nil {
		return "", "I could not tell which input this file is. Name it after its file type, or check its columns."
	}
	return fileType, ""
}

func (c *Controller) missingForActive(ctx context.Context, sess domain.Session) ([]string, error) {
	def, err := c.Catalog.Get(*sess.ActiveTaskID)
	if err != nil {
		return nil, err
	}
	files, err := c.Repo.ListUploadedFiles(ctx, sess.ID)
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

// refresh re-reads the session after a task-manager call mutated its
// row, so the turn's final write does not clobber that mutation.
func (c *Controller) refresh(ctx context.Context, sess domain.Session) (domain.Session, error) {
	fresh, err := c.Repo.GetSession(ctx, sess.ID)
	if err != nil {
		return domain.Session{}, err
	}
	fresh.LastIntent = sess.LastIntent
	return fresh, nil
}

func (c *Controller) helpFor(sess domain.Session) string {
	switch sess.State {
	case domain.StateAwaitingConfirmation:
		return "I did not catch that. Answer yes to run the calculation, or no to go back to the files."
	case domain.StateFileCollection:
		return "I did not catch that. Upload the task's input files, ask what is needed, or say \"menu\" to start over."
	default:
		return "I did not catch that. Pick a task by name or number, or ask what a task does."
	}
}

func calcFailureText(err error) string {
	var ce *calc.CalculationError
	if errors.As(err, &ce) {
		if ce.Timeout {
			return "The calculation took too long and was stopped. Nothing was written. You can confirm again to retry."
		}
		if ce.Row > 0 {
			return fmt.Sprintf("The calculation stopped at %s row %d, column %s: %v. Fix the file and upload it again, then confirm.", ce.FileType, ce.Row, ce.Column, ce.Err)
		}
	}
	return fmt.Sprintf("The calculation failed: %v. Nothing was written.", err)
}

func assistantMessage(sessionID string, r Reply, now string) domain.Message {
	return domain.Message{
		SessionID: sessionID,
		Role:      "assistant",
		Content:   r.Text,
		IsHTML:    r.IsHTML,
		CreatedAt: now,
	}
}
