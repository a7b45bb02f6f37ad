// Package dispatch fans one logical query out to every shard of a
// tensor-parallel replica.
//
// All shards compute the same logical result, so the reply of shard 0 is
// the answer. Every shard call is fired concurrently in rank order; the
// caller only waits for shard 0. Calls to the other shards are not
// cancelled when the caller returns: they run to completion (bounded by the
// per-call timeout) and their results are discarded. A failure of shard 0
// fails the query even when other shards succeed.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"tpserve/pkg/types"
)

// Header names set on every shard call.
const (
	HeaderRequestID = "X-Request-ID"
	HeaderShard     = "X-Shard-Rank"
)

// DefaultCallTimeout bounds each shard RPC, including the discarded ones.
const DefaultCallTimeout = 5 * time.Minute

// maxErrorBody caps how much of a failed reply is kept for the error.
const maxErrorBody = 4096

const shutdownTimeout = 10 * time.Second

// Replica is the read-only view of a running replica the client needs.
type Replica interface {
	Tag() string
	Index() int
	Liveness() types.Liveness
	Endpoints() []types.Endpoint
}

// Options configures a Client.
type Options struct {
	HTTPClient  *http.Client
	CallTimeout time.Duration
	Logger      zerolog.Logger
}

// Client issues shard RPCs over HTTP/JSON.
type Client struct {
	http    *http.Client
	timeout time.Duration
	log     zerolog.Logger
	// guards closed and inflight.Add
	mu     sync.Mutex
	closed bool
	// background shard calls still running after their query returned
	inflight sync.WaitGroup
}

// New returns a Client. A nil HTTPClient gets a dedicated client with no
// global timeout; every call carries its own deadline instead.
func New(opts Options) *Client {
	c := &Client{http: opts.HTTPClient, timeout: opts.CallTimeout, log: opts.Logger}
	if c.http == nil {
		c.http = &http.Client{Transport: http.DefaultTransport.(*http.Transport).Clone()}
	}
	if c.timeout <= 0 {
		c.timeout = DefaultCallTimeout
	}
	return c
}

type result struct {
	resp types.Response
	err  error
}

// Query sends req to every shard of r and returns the reply of shard 0.
func (c *Client) Query(ctx context.Context, r Replica, req types.Request) (types.Response, error) {
	kind := req.Task()
	rt, err := types.RouteFor(kind)
	if err != nil {
		return nil, err
	}
	task := kind.String()
	if l := r.Liveness(); l != types.Live {
		queriesTotal.WithLabelValues(task, "not_ready").Inc()
		return nil, &NotReadyError{Tag: r.Tag(), Replica: r.Index(), Liveness: l}
	}
	endpoints := r.Endpoints()
	if len(endpoints) == 0 {
		queriesTotal.WithLabelValues(task, "not_ready").Inc()
		return nil, &NotReadyError{Tag: r.Tag(), Replica: r.Index(), Liveness: types.Live}
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", task, err)
	}
	if !c.track(len(endpoints) - 1) {
		return nil, ErrClosed
	}
	id := uuid.NewString()
	log := c.log.With().Str("tag", r.Tag()).Int("replica", r.Index()).Str("request_id", id).Logger()

	primary := make(chan result, 1)
	for rank, ep := range endpoints {
		base := ctx
		if rank > 0 {
			// Secondary shards must not be interrupted by the caller going away.
			base = context.WithoutCancel(ctx)
		}
		callCtx, cancel := context.WithTimeout(base, c.timeout)
		go func(rank int, ep types.Endpoint, callCtx context.Context, cancel context.CancelFunc) {
			defer cancel()
			start := time.Now()
			resp, err := c.call(callCtx, ep, rt, kind, body, id, rank, rank == 0)
			shardCallDuration.WithLabelValues(task, strconv.FormatBool(rank == 0)).Observe(time.Since(start).Seconds())
			if rank == 0 {
				primary <- result{resp: resp, err: err}
				return
			}
			defer c.inflight.Done()
			if err != nil {
				discardedTotal.WithLabelValues(task, "error").Inc()
				log.Debug().Err(err).Int("shard", rank).Msg("secondary shard call failed")
				return
			}
			discardedTotal.WithLabelValues(task, "ok").Inc()
		}(rank, ep, callCtx, cancel)
	}

	res := <-primary
	if res.err != nil {
		queriesTotal.WithLabelValues(task, "error").Inc()
		log.Warn().Err(res.err).Int("shard", 0).Msg("dispatch_error")
		return nil, &DispatchError{Tag: r.Tag(), Replica: r.Index(), Shard: 0, Endpoint: endpoints[0], Cause: res.err}
	}
	queriesTotal.WithLabelValues(task, "ok").Inc()
	return res.resp, nil
}

// track registers n background shard calls unless the client is closed.
func (c *Client) track(n int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.inflight.Add(n)
	return true
}

// call performs one shard RPC. Only the primary reply is decoded; the
// others are drained so the connection can be reused.
func (c *Client) call(ctx context.Context, ep types.Endpoint, rt types.TaskRoute, kind types.TaskKind, body []byte, id string, rank int, decode bool) (types.Response, error) {
	url := "http://" + ep.Addr() + rt.Path()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderRequestID, id)
	req.Header.Set(HeaderShard, strconv.Itoa(rank))
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, remoteError(resp)
	}
	if !decode {
		_, err := io.Copy(io.Discard, resp.Body)
		return nil, err
	}
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return types.DecodeResponse(kind, b)
}

func remoteError(resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var er types.ErrorResponse
	if json.Unmarshal(b, &er) == nil && er.Error != "" {
		return &RemoteError{Status: resp.StatusCode, Message: er.Error}
	}
	return &RemoteError{Status: resp.StatusCode, Message: string(bytes.TrimSpace(b))}
}

// Shutdown asks every shard of r to stop serving. Shards that are already
// gone are not an error.
func (c *Client) Shutdown(ctx context.Context, r Replica) error {
	var errs error
	for rank, ep := range r.Endpoints() {
		if err := c.shutdown(ctx, ep); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("shutdown replica %d shard %d (%s): %w", r.Index(), rank, ep, err))
		}
	}
	return errs
}

func (c *Client) shutdown(ctx context.Context, ep types.Endpoint) error {
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+ep.Addr()+types.ShutdownPath, nil)
	if err != nil {
		return err
	}
	// the worker goes away right after answering
	req.Close = true
	resp, err := c.http.Do(req)
	if err != nil {
		var op *net.OpError
		if errors.As(err, &op) && op.Op == "dial" {
			return nil
		}
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return remoteError(resp)
	}
	_, err = io.Copy(io.Discard, resp.Body)
	return err
}

// Close waits for background shard calls to finish and releases idle
// connections. Queries issued after Close fail with ErrClosed.
func (c *Client) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.inflight.Wait()
	c.http.CloseIdleConnections()
}
