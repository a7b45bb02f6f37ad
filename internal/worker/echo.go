package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"tpserve/pkg/types"
)

// EchoBackend answers every task without a model. It is used for local
// smoke runs of a full deployment.
type EchoBackend struct {
	// Model is echoed in classification-style replies.
	Model string
	// Delay simulates model latency.
	Delay time.Duration
}

func (b EchoBackend) Handle(ctx context.Context, req types.Request) (types.Response, error) {
	start := time.Now()
	if b.Delay > 0 {
		t := time.NewTimer(b.Delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	}
	model := func() float64 { return time.Since(start).Seconds() }
	switch r := req.(type) {
	case *types.TextGenerationRequest:
		out := append([]string(nil), r.Query...)
		return &types.MultiStringReply{Response: out, ModelTimeTaken: model()}, nil
	case *types.TextClassificationRequest:
		return single([]map[string]any{{"label": "ECHO", "score": 1.0, "text": r.Query}}, model())
	case *types.QuestionAnsweringRequest:
		return single(map[string]any{"answer": r.Context, "start": 0, "end": len(r.Context), "score": 1.0}, model())
	case *types.FillMaskRequest:
		seq := strings.Replace(r.Query, "[MASK]", b.Model, 1)
		return single([]map[string]any{{"sequence": seq, "token_str": b.Model, "score": 1.0}}, model())
	case *types.TokenClassificationRequest:
		var ents []map[string]any
		for i, w := range strings.Fields(r.Query) {
			ents = append(ents, map[string]any{"word": w, "entity": "O", "index": i + 1, "score": 1.0})
		}
		return single(ents, model())
	case *types.ConversationalRequest:
		id := int64(0)
		if r.ConversationID != nil {
			id = *r.ConversationID
		}
		return &types.ConversationReply{
			ConversationID:     &id,
			PastUserInputs:     append(append([]string(nil), r.PastUserInputs...), r.Text),
			GeneratedResponses: append(append([]string(nil), r.GeneratedResponses...), r.Text),
			ModelTimeTaken:     model(),
		}, nil
	default:
		return nil, fmt.Errorf("echo backend: unsupported request %T", req)
	}
}

func single(v any, modelTime float64) (types.Response, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return &types.SingleStringReply{Response: string(b), ModelTimeTaken: modelTime}, nil
}
