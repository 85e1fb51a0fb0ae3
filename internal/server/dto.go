package server

import (
	"paychat/internal/controller"
	"paychat/internal/domain"
)

// Request payloads

// TurnRequest carries one user turn: either text or a file, not both.
type TurnRequest struct {
	Text          *string `json:"text,omitempty"`
	FileName      *string `json:"file_name,omitempty"`
	ContentBase64 *string `json:"content_base64,omitempty"`
}

type DevLoginRequest struct {
	ActorID string `json:"actor_id"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type IdentityResponse struct {
	ActorID string `json:"actor_id"`
	Source  string `json:"source"`
}

// Response payloads

type SessionResponse struct {
	ID             string                     `json:"id"`
	State          domain.ConversationState   `json:"state"`
	ActiveTaskID   *string                    `json:"active_task_id,omitempty"`
	LastIntent     string                     `json:"last_intent,omitempty"`
	PendingSummary *domain.CalculationSummary `json:"pending_summary,omitempty"`
	CreatedAt      string                     `json:"created_at"`
	LastActivityAt string                     `json:"last_activity_at"`
}

type ReplyResponse struct {
	Content string `json:"content"`
	IsHTML  bool   `json:"is_html,omitempty"`
}

type TurnResponse struct {
	Messages []ReplyResponse          `json:"messages"`
	State    domain.ConversationState `json:"state"`
}

type SessionCreatedResponse struct {
	Session  SessionResponse          `json:"session"`
	Messages []ReplyResponse          `json:"messages"`
	State    domain.ConversationState `json:"state"`
}

type TaskFileResponse struct {
	FileType    string   `json:"file_type"`
	Description string   `json:"description,omitempty"`
	Required    bool     `json:"required"`
	Output      bool     `json:"output,omitempty"`
	Columns     []string `json:"columns,omitempty"`
}

type TaskResponse struct {
	ID          string             `json:"id"`
	DisplayName string             `json:"display_name"`
	Description string             `json:"description,omitempty"`
	Files       []TaskFileResponse `json:"files"`
}

type UploadedFileResponse struct {
	FileType     string             `json:"file_type"`
	OriginalName string             `json:"original_name"`
	Summary      domain.FileSummary `json:"summary"`
	UploadedAt   string             `json:"uploaded_at"`
}

type MessageResponse struct {
	ID        int64  `json:"id"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	IsHTML    bool   `json:"is_html,omitempty"`
	CreatedAt string `json:"created_at"`
}

type RunResponse struct {
	ID         string `json:"id"`
	TaskID     string `json:"task_id"`
	OutputPath string `json:"output_path"`
	RowCount   int    `json:"row_count"`
	CreatedAt  string `json:"created_at"`
}

// Mapping helpers

func sessionResponse(s domain.Session) SessionResponse {
	return SessionResponse{
		ID:             s.ID,
		State:          s.State,
		ActiveTaskID:   s.ActiveTaskID,
		LastIntent:     s.LastIntent,
		PendingSummary: s.PendingSummary,
		CreatedAt:      s.CreatedAt,
		LastActivityAt: s.LastActivityAt,
	}
}

func mapSessions(items []domain.Session) []SessionResponse {
	out := make([]SessionResponse, 0, len(items))
	for _, s := range items {
		out = append(out, sessionResponse(s))
	}
	return out
}

func turnResponse(t controller.Turn) TurnResponse {
	return TurnResponse{Messages: mapReplies(t.Messages), State: t.State}
}

func mapReplies(replies []controller.Reply) []ReplyResponse {
	out := make([]ReplyResponse, 0, len(replies))
	for _, r := range replies {
		out = append(out, ReplyResponse{Content: r.Text, IsHTML: r.IsHTML})
	}
	return out
}

func taskResponse(t domain.TaskDefinition) TaskResponse {
	files := make([]TaskFileResponse, 0, len(t.Files))
	for _, f := range t.Files {
		files = append(files, TaskFileResponse{
			FileType:    f.FileType,
			Description: f.Description,
			Required:    f.Required,
			Output:      f.Output,
			Columns:     f.Columns,
		})
	}
	return TaskResponse{ID: t.ID, DisplayName: t.DisplayName, Description: t.Description, Files: files}
}

func mapTasks(items []domain.TaskDefinition) []TaskResponse {
	out := make([]TaskResponse, 0, len(items))
	for _, t := range items {
		out = append(out, taskResponse(t))
	}
	return out
}

func mapUploadedFiles(items []domain.UploadedFile) []UploadedFileResponse {
	out := make([]UploadedFileResponse, 0, len(items))
	for _, f := range items {
		out = append(out, UploadedFileResponse{
			FileType:     f.FileType,
			OriginalName: f.OriginalName,
			Summary:      f.Summary,
			UploadedAt:   f.UploadedAt,
		})
	}
	return out
}

func mapMessages(items []domain.Message) []MessageResponse {
	out := make([]MessageResponse, 0, len(items))
	for _, m := range items {
		out = append(out, MessageResponse{
			ID:        m.ID,
			Role:      m.Role,
			Content:   m.Content,
			IsHTML:    m.IsHTML,
			CreatedAt: m.CreatedAt,
		})
	}
	return out
}

func mapRuns(items []domain.CalculationRun) []RunResponse {
	out := make([]RunResponse, 0, len(items))
	for _, r := range items {
		out = append(out, RunResponse{
			ID:         r.ID,
			TaskID:     r.TaskID,
			OutputPath: r.OutputPath,
			RowCount:   r.RowCount,
			CreatedAt:  r.CreatedAt,
		})
	}
	return out
}
