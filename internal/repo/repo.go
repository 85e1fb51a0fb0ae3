package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"paychat/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// --- sessions ---

func (r Repo) InsertSession(ctx context.Context, s domain.Session) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO sessions(id,conversation_state,active_task_id,last_intent,pending_summary_json,created_at,last_activity_at) VALUES (?,?,?,?,?,?,?)`,
		s.ID, string(s.State), nullableP(s.ActiveTaskID), nullable(s.LastIntent), marshalSummary(s.PendingSummary), s.CreatedAt, s.LastActivityAt)
	return err
}

func (r Repo) GetSession(ctx context.Context, id string) (domain.Session, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,conversation_state,active_task_id,COALESCE(last_intent,''),pending_summary_json,created_at,last_activity_at FROM sessions WHERE id=?`, id)
	return scanSession(row)
}

func scanSession(row *sql.Row) (domain.Session, error) {
	var (
		s           domain.Session
		state       string
		activeTask  sql.NullString
		summaryJSON sql.NullString
	)
	err := row.Scan(&s.ID, &state, &activeTask, &s.LastIntent, &summaryJSON, &s.CreatedAt, &s.LastActivityAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	s.State = domain.ConversationState(state)
	if activeTask.Valid {
		s.ActiveTaskID = &activeTask.String
	}
	if summaryJSON.Valid && summaryJSON.String != "" {
		var summary domain.CalculationSummary
		if err := json.Unmarshal([]byte(summaryJSON.String), &summary); err != nil {
			return s, fmt.Errorf("decode pending summary: %w", err)
		}
		s.PendingSummary = &summary
	}
	return s, nil
}

// UpdateSessionTx writes the whole mutable part of a session. Turn
// handlers mutate a session exactly once, inside the turn's tx.
func (r Repo) UpdateSessionTx(ctx context.Context, tx *sql.Tx, s domain.Session) error {
	res, err := tx.ExecContext(ctx, `UPDATE sessions SET conversation_state=?,active_task_id=?,last_intent=?,pending_summary_json=?,last_activity_at=? WHERE id=?`,
		string(s.State), nullableP(s.ActiveTaskID), nullable(s.LastIntent), marshalSummary(s.PendingSummary), s.LastActivityAt, s.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateSessionState changes only the conversation state. Used for the
// EXECUTING gate and for crash recovery, where no other field moves.
func (r Repo) UpdateSessionState(ctx context.Context, id string, state domain.ConversationState) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE sessions SET conversation_state=? WHERE id=?`, string(state), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListSessions(ctx context.Context) ([]domain.Session, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,conversation_state,active_task_id,COALESCE(last_intent,''),pending_summary_json,created_at,last_activity_at FROM sessions ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Session
	for rows.Next() {
		var (
			s           domain.Session
			state       string
			activeTask  sql.NullString
			summaryJSON sql.NullString
		)
		if err := rows.Scan(&s.ID, &state, &activeTask, &s.LastIntent, &summaryJSON, &s.CreatedAt, &s.LastActivityAt); err != nil {
			return nil, err
		}
		s.State = domain.ConversationState(state)
		if activeTask.Valid {
			s.ActiveTaskID = &activeTask.String
		}
		if summaryJSON.Valid && summaryJSON.String != "" {
			var summary domain.CalculationSummary
			if err := json.Unmarshal([]byte(summaryJSON.String), &summary); err != nil {
				return nil, fmt.Errorf("decode pending summary: %w", err)
			}
			s.PendingSummary = &summary
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// SessionIDsInState returns session ids currently in the given state.
func (r Repo) SessionIDsInState(ctx context.Context, state domain.ConversationState) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id FROM sessions WHERE conversation_state=?`, string(state))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r Repo) DeleteSession(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM sessions WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteIdleSessions removes sessions whose last activity predates the
// cutoff and returns how many were removed.
func (r Repo) DeleteIdleSessions(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM sessions WHERE last_activity_at < ?`, cutoff.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// --- uploaded files ---

// UpsertUploadedFileTx records one uploaded file. One slot per
// file_type: re-uploading replaces the previous entry.
func (r Repo) UpsertUploadedFileTx(ctx context.Context, tx *sql.Tx, f domain.UploadedFile) error {
	summaryJSON, err := json.Marshal(f.Summary)
	if err != nil {
		return fmt.Errorf("marshal file summary: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO uploaded_files(session_id,file_type,original_name,storage_path,summary_json,output,uploaded_at) VALUES (?,?,?,?,?,?,?)
ON CONFLICT(session_id,file_type) DO UPDATE SET original_name=excluded.original_name, storage_path=excluded.storage_path, summary_json=excluded.summary_json, output=excluded.output, uploaded_at=excluded.uploaded_at`,
		f.SessionID, f.FileType, f.OriginalName, f.StoragePath, string(summaryJSON), boolInt(f.Output), f.UploadedAt)
	return err
}

func (r Repo) GetUploadedFile(ctx context.Context, sessionID, fileType string) (domain.UploadedFile, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT session_id,file_type,original_name,storage_path,summary_json,output,uploaded_at FROM uploaded_files WHERE session_id=? AND file_type=?`, sessionID, fileType)
	var (
		f           domain.UploadedFile
		summaryJSON string
		output      int
	)
	err := row.Scan(&f.SessionID, &f.FileType, &f.OriginalName, &f.StoragePath, &summaryJSON, &output, &f.UploadedAt)
	if err == sql.ErrNoRows {
		return f, ErrNotFound
	}
	if err != nil {
		return f, err
	}
	if err := json.Unmarshal([]byte(summaryJSON), &f.Summary); err != nil {
		return f, fmt.Errorf("decode file summary: %w", err)
	}
	f.Output = output != 0
	return f, nil
}

// ListUploadedFiles returns a session's files in upload order.
func (r Repo) ListUploadedFiles(ctx context.Context, sessionID string) ([]domain.UploadedFile, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT session_id,file_type,original_name,storage_path,summary_json,output,uploaded_at FROM uploaded_files WHERE session_id=? ORDER BY uploaded_at, file_type`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.UploadedFile
	for rows.Next() {
		var (
			f           domain.UploadedFile
			summaryJSON string
			output      int
		)
		if err := rows.Scan(&f.SessionID, &f.FileType, &f.OriginalName, &f.StoragePath, &summaryJSON, &output, &f.UploadedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(summaryJSON), &f.Summary); err != nil {
			return nil, fmt.Errorf("decode file summary: %w", err)
		}
		f.Output = output != 0
		res = append(res, f)
	}
	return res, rows.Err()
}

func (r Repo) DeleteUploadedFilesTx(ctx context.Context, tx *sql.Tx, sessionID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM uploaded_files WHERE session_id=?`, sessionID)
	return err
}

// --- messages ---

func (r Repo) AppendMessageTx(ctx context.Context, tx *sql.Tx, m domain.Message) error {
	return appendMessage(ctx, tx, m)
}

func (r Repo) AppendMessage(ctx context.Context, m domain.Message) error {
	return appendMessage(ctx, r.DB, m)
}

func appendMessage(ctx context.Context, ex execer, m domain.Message) error {
	_, err := ex.ExecContext(ctx, `INSERT INTO messages(session_id,role,content,is_html,created_at) VALUES (?,?,?,?,?)`,
		m.SessionID, m.Role, m.Content, boolInt(m.IsHTML), m.CreatedAt)
	return err
}

func (r Repo) ListMessages(ctx context.Context, sessionID string) ([]domain.Message, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,session_id,role,content,is_html,created_at FROM messages WHERE session_id=? ORDER BY id`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectMessages(rows)
}

// RecentMessages returns the last n messages in chronological order.
// This is the bounded window fed to the intent classifier; older turns
// stay in the table for audit/history display.
func (r Repo) RecentMessages(ctx context.Context, sessionID string, n int) ([]domain.Message, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,session_id,role,content,is_html,created_at FROM (
SELECT id,session_id,role,content,is_html,created_at FROM messages WHERE session_id=? ORDER BY id DESC LIMIT ?
) ORDER BY id`, sessionID, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectMessages(rows)
}

func collectMessages(rows *sql.Rows) ([]domain.Message, error) {
	var res []domain.Message
	for rows.Next() {
		var (
			m      domain.Message
			isHTML int
		)
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &isHTML, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.IsHTML = isHTML != 0
		res = append(res, m)
	}
	return res, rows.Err()
}

// --- calculation runs ---

func (r Repo) InsertCalculationRunTx(ctx context.Context, tx *sql.Tx, run domain.CalculationRun) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO calculation_runs(id,session_id,task_id,output_path,row_count,created_at) VALUES (?,?,?,?,?,?)`,
		run.ID, run.SessionID, run.TaskID, run.OutputPath, run.RowCount, run.CreatedAt)
	return err
}

func (r Repo) ListCalculationRuns(ctx context.Context, sessionID string) ([]domain.CalculationRun, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,session_id,task_id,output_path,row_count,created_at FROM calculation_runs WHERE session_id=? ORDER BY created_at`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.CalculationRun
	for rows.Next() {
		var run domain.CalculationRun
		if err := rows.Scan(&run.ID, &run.SessionID, &run.TaskID, &run.OutputPath, &run.RowCount, &run.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, run)
	}
	return res, rows.Err()
}

// --- helpers ---

// --- events ---

// Event is one audit log row.
type Event struct {
	ID          int64  `json:"id"`
	TS          string `json:"ts"`
	Type        string `json:"type"`
	SessionID   string `json:"session_id,omitempty"`
	EntityKind  string `json:"entity_kind,omitempty"`
	EntityID    string `json:"entity_id,omitempty"`
	PayloadJSON string `json:"payload,omitempty"`
}

// LatestEvents returns the newest n events, optionally filtered by
// type and session, oldest first.
func (r Repo) LatestEvents(ctx context.Context, n int, evtType, sessionID string) ([]Event, error) {
	if n <= 0 {
		n = 20
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,ts,type,COALESCE(session_id,''),COALESCE(entity_kind,''),COALESCE(entity_id,''),COALESCE(payload_json,'')
		FROM events
		WHERE (?='' OR type=?) AND (?='' OR session_id=?)
		ORDER BY id DESC LIMIT ?`, evtType, evtType, sessionID, sessionID, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.SessionID, &e.EntityKind, &e.EntityID, &e.PayloadJSON); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func marshalSummary(s *domain.CalculationSummary) any {
	if s == nil {
		return nil
	}
	b, err := json.Marshal(s)
	if err != nil {
		return nil
	}
	return string(b)
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableP(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
