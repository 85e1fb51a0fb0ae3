package intent

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"
	"github.com/openai/openai-go/shared"
)

const classifierInstructions = `You classify one message from a payroll operator into an intent.
Intents:
  task_start     - the user wants to begin a named task
  question       - the user asks what a task does or what files it needs
  file_upload    - the user announces they are sending a data file
  confirmation   - the user answers yes or no to a pending confirmation
  return_to_menu - the user wants to abandon the current task
  unknown        - none of the above

Reply with exactly one JSON object, nothing else:
{"intent": "<intent>", "confidence": <0.0-1.0>, "task_id": "<task id or empty>", "answer": "<yes, no, or empty>"}
Set "answer" only for confirmation: "yes" if the user agrees, "no" if
they decline, empty if the message is not a clear answer.`

var jsonObjectRe = regexp.MustCompile(`(?s)\{.*\}`)

// OpenAIClassifier asks a model to label the turn. Any transport or
// parse failure degrades to Unknown with zero confidence so a flaky
// upstream never blocks the conversation.
type OpenAIClassifier struct {
	client   openai.Client
	model    string
	fallback RuleClassifier
}

func NewOpenAIClassifier(apiKey, model string) *OpenAIClassifier {
	return &OpenAIClassifier{
		client: openai.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}
}

func (c *OpenAIClassifier) Classify(ctx context.Context, in Input) (Result, error) {
	// Token-list matches are unambiguous; skip the model for those.
	if res, err := c.fallback.Classify(ctx, in); err == nil && res.Confidence >= 1 {
		return res, nil
	}

	params := responses.ResponseNewParams{
		Model: shared.ResponsesModel(c.model),
		Input: responses.ResponseNewParamsInputUnion{
			OfString: openai.String(c.buildPrompt(in)),
		},
		Instructions:    openai.String(classifierInstructions),
		Temperature:     openai.Float(0),
		MaxOutputTokens: openai.Int(200),
	}
	resp, err := c.client.Responses.New(ctx, params)
	if err != nil {
		return Result{Type: Unknown, Confidence: 0}, nil
	}
	return parseClassification(resp.OutputText(), in.TaskNames), nil
}

// buildPrompt shows the model the conversation state, the task
// catalog, and a short window of recent exchanges so follow-up turns
// like "the first one" resolve correctly.
func (c *OpenAIClassifier) buildPrompt(in Input) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Conversation state: %s\n", in.State)
	fmt.Fprintf(&b, "Available tasks: %s\n", strings.Join(in.TaskNames, ", "))

	history := in.RecentHistory
	if len(history) > 3 {
		history = history[len(history)-3:]
	}
	if len(history) > 0 {
		b.WriteString("Recent exchanges:\n")
		for _, ex := range history {
			fmt.Fprintf(&b, "  user: %s\n  assistant: %s\n", ex.User, ex.Assistant)
		}
	}
	fmt.Fprintf(&b, "Message to classify: %s\n", in.UserText)
	return b.String()
}

func parseClassification(raw string, taskNames []string) Result {
	match := jsonObjectRe.FindString(raw)
	if match == "" {
		return Result{Type: Unknown, Confidence: 0}
	}
	var payload struct {
		Intent     string  `json:"intent"`
		Confidence float64 `json:"confidence"`
		TaskID     string  `json:"task_id"`
		Answer     string  `json:"answer"`
	}
	if err := json.Unmarshal([]byte(match), &payload); err != nil {
		return Result{Type: Unknown, Confidence: 0}
	}

	typ := Type(payload.Intent)
	switch typ {
	case TaskStart, Question, FileUpload, Confirmation, ReturnToMenu:
	default:
		return Result{Type: Unknown, Confidence: 0}
	}
	if payload.Confidence < 0 || payload.Confidence > 1 {
		return Result{Type: Unknown, Confidence: 0}
	}

	res := Result{Type: typ, Confidence: payload.Confidence}
	if payload.TaskID != "" {
		for _, id := range taskNames {
			if payload.TaskID == id {
				res.setParam("task_id", id)
				break
			}
		}
	}
	if typ == Confirmation {
		switch strings.ToLower(strings.TrimSpace(payload.Answer)) {
		case "yes":
			res.setParam("answer", "yes")
		case "no":
			res.setParam("answer", "no")
		}
	}
	return res
}
