package domain

// TaskDefinition describes one payroll processing workflow: its input
// file slots and the single output artifact it produces.
type TaskDefinition struct {
	ID          string     `json:"id"`
	DisplayName string     `json:"display_name"`
	Description string     `json:"description,omitempty"`
	Files       []FileSlot `json:"files"`
}

// FileSlot is a declared input (or output) requirement of a task.
type FileSlot struct {
	FileType    string   `json:"file_type"`
	Description string   `json:"description,omitempty"`
	Required    bool     `json:"required"`
	Output      bool     `json:"output,omitempty"`
	Columns     []string `json:"columns,omitempty"`
}

// RequiredFileTypes returns the file types that must be uploaded before
// the task can run, in declaration order. Output slots are produced by
// the calculation, never uploaded.
func (t TaskDefinition) RequiredFileTypes() []string {
	var types []string
	for _, f := range t.Files {
		if f.Required && !f.Output {
			types = append(types, f.FileType)
		}
	}
	return types
}

// InputSlot returns the non-output slot with the given file type.
func (t TaskDefinition) InputSlot(fileType string) (FileSlot, bool) {
	for _, f := range t.Files {
		if !f.Output && f.FileType == fileType {
			return f, true
		}
	}
	return FileSlot{}, false
}

// OutputSlot returns the task's output slot, if declared.
func (t TaskDefinition) OutputSlot() (FileSlot, bool) {
	for _, f := range t.Files {
		if f.Output {
			return f, true
		}
	}
	return FileSlot{}, false
}

type ValidationResult struct {
	Valid    bool     `json:"valid"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// FileSummary is computed once when an upload passes validation and is
// immutable afterwards.
type FileSummary struct {
	FileType        string         `json:"file_type"`
	RecordCount     int            `json:"record_count"`
	TargetYearMonth string         `json:"target_year_month,omitempty"`
	Warnings        []string       `json:"warnings,omitempty"`
	Details         map[string]any `json:"details,omitempty"`
}

type UploadedFile struct {
	SessionID    string      `json:"session_id"`
	FileType     string      `json:"file_type"`
	OriginalName string      `json:"original_name"`
	StoragePath  string      `json:"storage_path"`
	Summary      FileSummary `json:"summary"`
	Output       bool        `json:"output"`
	UploadedAt   string      `json:"uploaded_at" format:"date-time"`
}

// CalculationSummary is the pre-execution aggregate shown to the user
// for confirmation.
type CalculationSummary struct {
	TaskID          string   `json:"task_id"`
	TargetYearMonth string   `json:"target_year_month,omitempty"`
	EmployeeCount   int      `json:"employee_count"`
	DepartmentCount int      `json:"department_count"`
	TotalWorkDays   int      `json:"total_work_days"`
	OvertimeHours   float64  `json:"overtime_hours"`
	SpecialCases    []string `json:"special_cases,omitempty"`
}

// ConversationState enumerates the controller states.
type ConversationState string

const (
	StateInit                 ConversationState = "init"
	StateTaskSelection        ConversationState = "task_selection"
	StateFileCollection       ConversationState = "file_collection"
	StateAwaitingConfirmation ConversationState = "awaiting_confirmation"
	StateExecuting            ConversationState = "executing"
	StateComplete             ConversationState = "complete"
)

// Session is the persisted per-conversation record: conversation
// context plus the task progress owned by the TaskManager.
type Session struct {
	ID             string              `json:"id"`
	State          ConversationState   `json:"conversation_state" enum:"init,task_selection,file_collection,awaiting_confirmation,executing,complete"`
	ActiveTaskID   *string             `json:"active_task_id,omitempty"`
	LastIntent     string              `json:"last_intent,omitempty"`
	PendingSummary *CalculationSummary `json:"pending_summary,omitempty"`
	CreatedAt      string              `json:"created_at" format:"date-time"`
	LastActivityAt string              `json:"last_activity_at" format:"date-time"`
}

// Message is one side of a recorded exchange.
type Message struct {
	ID        int64  `json:"id"`
	SessionID string `json:"session_id"`
	Role      string `json:"role" enum:"user,assistant"`
	Content   string `json:"content"`
	IsHTML    bool   `json:"is_html,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// CalculationRun records one completed execution and its artifact.
type CalculationRun struct {
	ID         string `json:"id"`
	SessionID  string `json:"session_id"`
	TaskID     string `json:"task_id"`
	OutputPath string `json:"output_path"`
	RowCount   int    `json:"row_count"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}
