package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"tpserve/internal/config"
	"tpserve/internal/descriptor"
	"tpserve/internal/dispatch"
	"tpserve/internal/planner"
	"tpserve/internal/registry"
	"tpserve/pkg/types"
)

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{&planner.PlacementError{Host: "h9"}, http.StatusBadRequest},
		{&planner.CapacityError{Host: "h1", Required: 2, Available: 1}, http.StatusBadRequest},
		{&planner.InsufficientCapacityError{Requested: 2, Allocated: 1, TensorParallel: 2}, http.StatusBadRequest},
		{&planner.PortRangeError{Host: "h1", Port: 65536}, http.StatusBadRequest},
		{&descriptor.ValidationError{Tag: "x", Field: "model", Msg: "required"}, http.StatusBadRequest},
		{&config.RuleError{Rule: "task", Msg: "unknown"}, http.StatusBadRequest},
		{&registry.TaskMismatchError{Tag: "x", Want: types.FillMask, Got: types.TextGeneration}, http.StatusBadRequest},
		{&descriptor.NotFoundError{Tag: "x"}, http.StatusNotFound},
		{&registry.ActiveError{Tag: "x"}, http.StatusConflict},
		{&dispatch.NotReadyError{Tag: "x", Replica: 0, Liveness: types.Starting}, http.StatusServiceUnavailable},
		{registry.ErrClosed, http.StatusServiceUnavailable},
		{dispatch.ErrClosed, http.StatusServiceUnavailable},
		{&dispatch.DispatchError{Tag: "x", Cause: &dispatch.RemoteError{Status: 500, Message: "oom"}}, http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := statusFor(tc.err); got != tc.want {
			t.Fatalf("statusFor(%T) = %d, want %d", tc.err, got, tc.want)
		}
		// wrapped errors map the same way
		if got := statusFor(fmt.Errorf("deploy: %w", tc.err)); got != tc.want {
			t.Fatalf("statusFor(wrapped %T) = %d, want %d", tc.err, got, tc.want)
		}
	}
}
