package types

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// TaskRoute binds a task kind to its worker RPC method and payload shapes.
type TaskRoute struct {
	// RPC method name served by every shard worker.
	Method      string
	NewRequest  func() Request
	NewResponse func() Response
}

// Path is the HTTP path the worker serves the method on.
func (r TaskRoute) Path() string { return "/rpc/" + r.Method }

// ShutdownPath asks a worker to stop serving. It lets a process that only
// attached to a deployment terminate shards it did not start.
const ShutdownPath = "/shutdown"

// Routes is the closed task dispatch table. TaskNone has no route.
var Routes = [NumTaskKinds]TaskRoute{
	TextGeneration: {
		Method:      "GeneratorReply",
		NewRequest:  func() Request { return &TextGenerationRequest{} },
		NewResponse: func() Response { return &MultiStringReply{} },
	},
	TextClassification: {
		Method:      "ClassificationReply",
		NewRequest:  func() Request { return &TextClassificationRequest{} },
		NewResponse: func() Response { return &SingleStringReply{} },
	},
	QuestionAnswering: {
		Method:      "QuestionAndAnswerReply",
		NewRequest:  func() Request { return &QuestionAnsweringRequest{} },
		NewResponse: func() Response { return &SingleStringReply{} },
	},
	FillMask: {
		Method:      "FillMaskReply",
		NewRequest:  func() Request { return &FillMaskRequest{} },
		NewResponse: func() Response { return &SingleStringReply{} },
	},
	TokenClassification: {
		Method:      "TokenClassificationReply",
		NewRequest:  func() Request { return &TokenClassificationRequest{} },
		NewResponse: func() Response { return &SingleStringReply{} },
	},
	Conversational: {
		Method:      "ConversationalReply",
		NewRequest:  func() Request { return &ConversationalRequest{} },
		NewResponse: func() Response { return &ConversationReply{} },
	},
}

// RouteFor returns the route of k, or an error for kinds with none.
func RouteFor(k TaskKind) (TaskRoute, error) {
	if !k.Valid() {
		return TaskRoute{}, fmt.Errorf("no route for task %q", k)
	}
	return Routes[k], nil
}

// DecodeRequest parses a JSON request body for task k. Unknown fields are
// rejected so a payload meant for another task does not pass silently.
func DecodeRequest(k TaskKind, b []byte) (Request, error) {
	rt, err := RouteFor(k)
	if err != nil {
		return nil, err
	}
	req := rt.NewRequest()
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(req); err != nil {
		return nil, fmt.Errorf("decode %s request: %w", k, err)
	}
	return req, nil
}

// DecodeResponse parses a JSON reply for task k.
func DecodeResponse(k TaskKind, b []byte) (Response, error) {
	rt, err := RouteFor(k)
	if err != nil {
		return nil, err
	}
	resp := rt.NewResponse()
	if err := json.Unmarshal(b, resp); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", k, err)
	}
	return resp, nil
}
