package intent

import (
	"context"
	"strconv"
	"strings"

	"paychat/internal/domain"
)

// Affirmations and negations accepted as confirmation answers. The
// empty string counts as assent: Enter on a confirmation prompt means
// proceed.
var (
	yesTokens = map[string]bool{
		"": true, "y": true, "yes": true, "ok": true, "1": true,
		"true": true, "はい": true, "実行": true,
	}
	noTokens = map[string]bool{
		"n": true, "no": true, "0": true, "false": true,
		"cancel": true, "いいえ": true, "キャンセル": true,
	}
	menuTokens = map[string]bool{
		"menu": true, "back": true, "reset": true, "quit": true,
		"メニュー": true, "戻る": true,
	}
)

// RuleClassifier resolves intents from token lists and the current
// conversation state alone, with no model call. It is the fallback
// when no classifier credentials are configured, and the primary path
// for confirmation prompts where a model adds nothing.
type RuleClassifier struct{}

func (RuleClassifier) Classify(_ context.Context, in Input) (Result, error) {
	text := strings.ToLower(strings.TrimSpace(in.UserText))

	if menuTokens[text] {
		return Result{Type: ReturnToMenu, Confidence: 1}, nil
	}

	if in.State == domain.StateAwaitingConfirmation {
		if yesTokens[text] {
			return Result{Type: Confirmation, Confidence: 1, Params: map[string]string{"answer": "yes"}}, nil
		}
		if noTokens[text] {
			return Result{Type: Confirmation, Confidence: 1, Params: map[string]string{"answer": "no"}}, nil
		}
	}

	// A bare task number or task id selects that task.
	if n, err := strconv.Atoi(text); err == nil && n >= 1 && n <= len(in.TaskNames) {
		return Result{Type: TaskStart, Confidence: 1, Params: map[string]string{"task_id": in.TaskNames[n-1]}}, nil
	}
	for _, id := range in.TaskNames {
		if text == id {
			return Result{Type: TaskStart, Confidence: 1, Params: map[string]string{"task_id": id}}, nil
		}
	}

	if strings.HasSuffix(text, "?") || strings.HasSuffix(in.UserText, "？") {
		return Result{Type: Question, Confidence: 0.8}, nil
	}

	return Result{Type: Unknown, Confidence: 0}, nil
}
