package intent

import (
	"context"
	"testing"

	"paychat/internal/domain"
)

var taskNames = []string{"payroll_salary", "payroll_bonus"}

func classify(t *testing.T, text string, state domain.ConversationState) Result {
	t.Helper()
	res, err := RuleClassifier{}.Classify(context.Background(), Input{
		UserText:  text,
		State:     state,
		TaskNames: taskNames,
	})
	if err != nil {
		t.Fatalf("classify %q: %v", text, err)
	}
	return res
}

func TestTaskSelectionByNumberAndID(t *testing.T) {
	res := classify(t, "1", domain.StateTaskSelection)
	if res.Type != TaskStart || res.Params["task_id"] != "payroll_salary" {
		t.Fatalf("number selection: %+v", res)
	}
	res = classify(t, "payroll_bonus", domain.StateTaskSelection)
	if res.Type != TaskStart || res.Params["task_id"] != "payroll_bonus" {
		t.Fatalf("id selection: %+v", res)
	}
	// out-of-range number is not a selection
	if res := classify(t, "9", domain.StateTaskSelection); res.Type != Unknown {
		t.Fatalf("out of range: %+v", res)
	}
}

func TestConfirmationTokens(t *testing.T) {
	for _, text := range []string{"yes", "Y", "OK", "", "はい", "1"} {
		res := classify(t, text, domain.StateAwaitingConfirmation)
		if res.Type != Confirmation || res.Params["answer"] != "yes" {
			t.Fatalf("%q should confirm: %+v", text, res)
		}
	}
	for _, text := range []string{"no", "N", "cancel", "いいえ"} {
		res := classify(t, text, domain.StateAwaitingConfirmation)
		if res.Type != Confirmation || res.Params["answer"] != "no" {
			t.Fatalf("%q should decline: %+v", text, res)
		}
	}
}

func TestConfirmationTokensOutsideConfirmationState(t *testing.T) {
	// "1" selects task one when no confirmation is pending
	res := classify(t, "1", domain.StateTaskSelection)
	if res.Type != TaskStart {
		t.Fatalf("expected task start, got %+v", res)
	}
	if res := classify(t, "yes", domain.StateTaskSelection); res.Type != Unknown {
		t.Fatalf("bare yes outside confirmation: %+v", res)
	}
}

func TestMenuTokens(t *testing.T) {
	for _, text := range []string{"menu", "back", "メニュー"} {
		if res := classify(t, text, domain.StateFileCollection); res.Type != ReturnToMenu {
			t.Fatalf("%q should return to menu: %+v", text, res)
		}
	}
}

func TestQuestionHeuristic(t *testing.T) {
	res := classify(t, "what files do I need?", domain.StateFileCollection)
	if res.Type != Question {
		t.Fatalf("expected question: %+v", res)
	}
}

func TestUnknownFallsThrough(t *testing.T) {
	res := classify(t, "ramble ramble", domain.StateTaskSelection)
	if res.Type != Unknown || res.Confidence != 0 {
		t.Fatalf("expected unknown with zero confidence: %+v", res)
	}
}
