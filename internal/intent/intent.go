package intent

import (
	"context"

	"paychat/internal/domain"
)

// Type is the classified purpose of one user turn.
type Type string

const (
	TaskStart    Type = "task_start"
	Question     Type = "question"
	FileUpload   Type = "file_upload"
	Confirmation Type = "confirmation"
	ReturnToMenu Type = "return_to_menu"
	Unknown      Type = "unknown"
)

// Exchange is one prior user/assistant pair shown to the classifier
// for context.
type Exchange struct {
	User      string
	Assistant string
}

// Input carries everything a classifier may consider for one turn.
type Input struct {
	UserText      string
	RecentHistory []Exchange
	State         domain.ConversationState
	TaskNames     []string
}

// Result is a classification with calibrated confidence in [0,1].
// Params carries extracted slots such as the named task id.
type Result struct {
	Type       Type
	Confidence float64
	Params     map[string]string
}

func (r *Result) setParam(key, value string) {
	if r.Params == nil {
		r.Params = map[string]string{}
	}
	r.Params[key] = value
}

// Classifier maps a user turn to an intent. Implementations must fail
// closed: when classification cannot be completed, return Unknown with
// zero confidence rather than an error the caller would have to guess
// about.
type Classifier interface {
	Classify(ctx context.Context, in Input) (Result, error)
}
