package types

import "fmt"

// TaskKind enumerates the inference tasks a deployment can serve.
type TaskKind int

const (
	TaskNone TaskKind = iota
	TextGeneration
	TextClassification
	QuestionAnswering
	FillMask
	TokenClassification
	Conversational

	numTaskKinds
)

// NumTaskKinds sizes tables indexed by TaskKind.
const NumTaskKinds = int(numTaskKinds)

var taskNames = [NumTaskKinds]string{
	TaskNone:            "",
	TextGeneration:      "text-generation",
	TextClassification:  "text-classification",
	QuestionAnswering:   "question-answering",
	FillMask:            "fill-mask",
	TokenClassification: "token-classification",
	Conversational:      "conversational",
}

// TaskKinds lists every servable task in declaration order.
func TaskKinds() []TaskKind {
	out := make([]TaskKind, 0, NumTaskKinds-1)
	for k := TextGeneration; k < numTaskKinds; k++ {
		out = append(out, k)
	}
	return out
}

func (k TaskKind) String() string {
	if k < 0 || k >= numTaskKinds {
		return fmt.Sprintf("task(%d)", int(k))
	}
	return taskNames[k]
}

// Valid reports whether k names a servable task.
func (k TaskKind) Valid() bool { return k > TaskNone && k < numTaskKinds }

// ParseTaskKind maps a task name (e.g. "text-generation") to its TaskKind.
func ParseTaskKind(s string) (TaskKind, error) {
	for k := TextGeneration; k < numTaskKinds; k++ {
		if taskNames[k] == s {
			return k, nil
		}
	}
	return TaskNone, fmt.Errorf("unknown task %q", s)
}

func (k TaskKind) MarshalText() ([]byte, error) {
	if k != TaskNone && !k.Valid() {
		return nil, fmt.Errorf("unknown task kind %d", int(k))
	}
	return []byte(taskNames[k]), nil
}

func (k *TaskKind) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*k = TaskNone
		return nil
	}
	v, err := ParseTaskKind(string(b))
	if err != nil {
		return err
	}
	*k = v
	return nil
}

// Request is a task-specific query payload.
type Request interface {
	Task() TaskKind
}

// Response is a task-specific reply payload.
type Response interface {
	isResponse()
}

// TextGenerationRequest asks for one completion per query string.
type TextGenerationRequest struct {
	// example: ["DeepSpeed is"]
	Query []string `json:"query"`
	// Generation keyword arguments forwarded to the pipeline.
	Kwargs map[string]any `json:"query_kwargs,omitempty"`
}

func (TextGenerationRequest) Task() TaskKind { return TextGeneration }

type TextClassificationRequest struct {
	// example: DeepSpeed is the greatest
	Query  string         `json:"query"`
	Kwargs map[string]any `json:"query_kwargs,omitempty"`
}

func (TextClassificationRequest) Task() TaskKind { return TextClassification }

type QuestionAnsweringRequest struct {
	// example: What is the greatest?
	Question string `json:"question"`
	// example: DeepSpeed is the greatest
	Context string         `json:"context"`
	Kwargs  map[string]any `json:"query_kwargs,omitempty"`
}

func (QuestionAnsweringRequest) Task() TaskKind { return QuestionAnswering }

type FillMaskRequest struct {
	// example: Hello I'm a [MASK] model.
	Query  string         `json:"query"`
	Kwargs map[string]any `json:"query_kwargs,omitempty"`
}

func (FillMaskRequest) Task() TaskKind { return FillMask }

type TokenClassificationRequest struct {
	// example: My name is jean-baptiste and I live in montreal.
	Query  string         `json:"query"`
	Kwargs map[string]any `json:"query_kwargs,omitempty"`
}

func (TokenClassificationRequest) Task() TaskKind { return TokenClassification }

// ConversationalRequest continues (or starts) a conversation.
type ConversationalRequest struct {
	Text               string         `json:"text"`
	ConversationID     *int64         `json:"conversation_id,omitempty"`
	PastUserInputs     []string       `json:"past_user_inputs"`
	GeneratedResponses []string       `json:"generated_responses"`
	Kwargs             map[string]any `json:"query_kwargs,omitempty"`
}

func (ConversationalRequest) Task() TaskKind { return Conversational }

// MultiStringReply carries one result per query string.
type MultiStringReply struct {
	Response       []string `json:"response"`
	TimeTaken      float64  `json:"time_taken"`
	ModelTimeTaken float64  `json:"model_time_taken"`
}

// SingleStringReply carries one serialized pipeline result.
type SingleStringReply struct {
	Response       string  `json:"response"`
	TimeTaken      float64 `json:"time_taken"`
	ModelTimeTaken float64 `json:"model_time_taken"`
}

// ConversationReply returns the updated conversation state.
type ConversationReply struct {
	ConversationID     *int64   `json:"conversation_id,omitempty"`
	PastUserInputs     []string `json:"past_user_inputs"`
	GeneratedResponses []string `json:"generated_responses"`
	TimeTaken          float64  `json:"time_taken"`
	ModelTimeTaken     float64  `json:"model_time_taken"`
}

func (*MultiStringReply) isResponse()  {}
func (*SingleStringReply) isResponse() {}
func (*ConversationReply) isResponse() {}
