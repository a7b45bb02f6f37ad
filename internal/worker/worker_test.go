package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tpserve/internal/dispatch"
	"tpserve/pkg/types"
)

func testSpec(task types.TaskKind) Spec {
	return Spec{
		Tag:           "gpt2-deployment",
		Task:          task,
		Model:         "gpt2",
		ModelLocation: "/models/gpt2",
		Dtype:         "fp16",
		Replica:       1,
		Rank:          1,
		Assignment:    types.ShardAssignment{Host: "worker-0", Slots: []int{2, 3}},
		Ports:         types.PortBlock{Host: "worker-0", ShardPorts: []int{50053, 50054}, CoordinationPort: 29600},
		Options:       map[string]any{"max_tokens": 1024, "ds_config": map[string]any{}},
	}
}

func TestSpec_Args(t *testing.T) {
	s := testSpec(types.TextGeneration)
	args, err := s.Args()
	require.NoError(t, err)
	flags := map[string]string{}
	for i := 0; i+1 < len(args); i += 2 {
		flags[args[i]] = args[i+1]
	}
	assert.Equal(t, "text-generation", flags["--task"])
	assert.Equal(t, "50054", flags["--port"])
	assert.Equal(t, "2", flags["--world-size"])
	assert.Equal(t, "3", flags["--slot"])
	assert.Equal(t, "29600", flags["--coord-port"])
	assert.Equal(t, "2,3", s.VisibleDevices())

	opts, err := DecodeOptions(flags["--config"])
	require.NoError(t, err)
	assert.Equal(t, 1024.0, opts["max_tokens"])

	s.Rank = 2
	_, err = s.Args()
	require.Error(t, err)
}

func TestDecodeOptions(t *testing.T) {
	opts, err := DecodeOptions("")
	require.NoError(t, err)
	assert.Empty(t, opts)
	_, err = DecodeOptions("%%%")
	require.Error(t, err)
	enc, err := EncodeOptions(nil)
	require.NoError(t, err)
	opts, err = DecodeOptions(enc)
	require.NoError(t, err)
	assert.Empty(t, opts)
}

func post(t *testing.T, h http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	h.ServeHTTP(rr, req)
	return rr
}

func TestServer_EveryTask(t *testing.T) {
	bodies := map[types.TaskKind]string{
		types.TextGeneration:      `{"query":["DeepSpeed is","Seattle is"]}`,
		types.TextClassification:  `{"query":"DeepSpeed is the greatest"}`,
		types.QuestionAnswering:   `{"question":"What is the greatest?","context":"DeepSpeed is the greatest"}`,
		types.FillMask:            `{"query":"Hello I'm a [MASK] model."}`,
		types.TokenClassification: `{"query":"My name is jean-baptiste and I live in montreal."}`,
		types.Conversational:      `{"text":"hello","past_user_inputs":[],"generated_responses":[]}`,
	}
	for _, k := range types.TaskKinds() {
		h := NewServer(testSpec(k), EchoBackend{Model: "gpt2"}, zerolog.Nop()).Handler()
		rr := post(t, h, types.Routes[k].Path(), bodies[k])
		require.Equal(t, http.StatusOK, rr.Code, "%s: %s", k, rr.Body.String())
		resp, err := types.DecodeResponse(k, rr.Body.Bytes())
		require.NoError(t, err, k.String())
		require.NotNil(t, resp)
	}
}

func TestServer_Errors(t *testing.T) {
	h := NewServer(testSpec(types.FillMask), EchoBackend{}, zerolog.Nop()).Handler()

	rr := post(t, h, "/rpc/GeneratorReply", `{"query":["x"]}`)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = post(t, h, "/rpc/FillMaskReply", `{"query":`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	var er types.ErrorResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &er))
	assert.Equal(t, http.StatusBadRequest, er.Code)

	failing := NewServer(testSpec(types.FillMask), backendFunc(func(context.Context, types.Request) (types.Response, error) {
		return nil, errors.New("CUDA out of memory")
	}), zerolog.Nop()).Handler()
	rr = post(t, failing, "/rpc/FillMaskReply", `{"query":"a [MASK]"}`)
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Contains(t, rr.Body.String(), "CUDA out of memory")

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
}

type backendFunc func(context.Context, types.Request) (types.Response, error)

func (f backendFunc) Handle(ctx context.Context, req types.Request) (types.Response, error) {
	return f(ctx, req)
}

// rankBackend tags replies with the shard rank so tests can tell shards apart.
type rankBackend struct{ rank int }

func (b rankBackend) Handle(_ context.Context, req types.Request) (types.Response, error) {
	q := req.(*types.TextGenerationRequest)
	out := make([]string, len(q.Query))
	for i := range out {
		out[i] = "rank-" + strconv.Itoa(b.rank)
	}
	return &types.MultiStringReply{Response: out}, nil
}

type liveReplica struct{ eps []types.Endpoint }

func (liveReplica) Tag() string { return "gpt2-deployment" }
func (liveReplica) Index() int { return 0 }
func (liveReplica) Liveness() types.Liveness { return types.Live }
func (r liveReplica) Endpoints() []types.Endpoint { return r.eps }

func TestServe_WithDispatchClient(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var eps []types.Endpoint
	errs := make(chan error, 2)
	for rank := 0; rank < 2; rank++ {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		port := ln.Addr().(*net.TCPAddr).Port
		eps = append(eps, types.Endpoint{Host: "127.0.0.1", Port: port})
		spec := testSpec(types.TextGeneration)
		spec.Rank = rank
		srv := NewServer(spec, rankBackend{rank: rank}, zerolog.Nop())
		go func() { errs <- srv.Serve(ctx, ln) }()
	}

	c := dispatch.New(dispatch.Options{CallTimeout: 5 * time.Second})
	resp, err := c.Query(ctx, liveReplica{eps: eps}, &types.TextGenerationRequest{Query: []string{"DeepSpeed is"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"rank-0"}, resp.(*types.MultiStringReply).Response)
	c.Close()

	cancel()
	for i := 0; i < 2; i++ {
		require.NoError(t, <-errs)
	}
}

func TestServe_ShutdownRequest(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ep := types.Endpoint{Host: "127.0.0.1", Port: ln.Addr().(*net.TCPAddr).Port}
	srv := NewServer(testSpec(types.FillMask), EchoBackend{}, zerolog.Nop())
	served := make(chan error, 1)
	go func() { served <- srv.Serve(context.Background(), ln) }()

	c := dispatch.New(dispatch.Options{})
	defer c.Close()
	require.NoError(t, c.Shutdown(context.Background(), liveReplica{eps: []types.Endpoint{ep}}))
	select {
	case err := <-served:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop after a shutdown request")
	}
	// a worker that is already gone is not an error
	require.NoError(t, c.Shutdown(context.Background(), liveReplica{eps: []types.Endpoint{ep}}))
}
