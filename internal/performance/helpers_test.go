package performance

import (
	"context"
	"sync"
	"time"

	"github.com/wesleyorama2/apptload/internal/performance/metrics"
)

// recorder collects outcomes for assertions.
type recorder struct {
	mu       sync.Mutex
	outcomes []metrics.Outcome
}

func (r *recorder) Record(o metrics.Outcome) {
	r.mu.Lock()
	r.outcomes = append(r.outcomes, o)
	r.mu.Unlock()
}

func (r *recorder) all() []metrics.Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]metrics.Outcome, len(r.outcomes))
	copy(out, r.outcomes)
	return out
}

// respond returns a RequestFunc answering every request with status and latency.
func respond(status int, latency time.Duration) RequestFunc {
	return func(ctx context.Context, req *Request) (*Response, error) {
		return &Response{Status: status, Latency: latency, Body: []byte(`{"ok":true}`)}, nil
	}
}

// blocking returns a RequestFunc that only returns once ctx is done.
func blocking() RequestFunc {
	return func(ctx context.Context, req *Request) (*Response, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
}

func getStep(name string, checks ...Check) Step {
	return Exec(RequestStep{Name: name, Method: "GET", Path: "/" + name, Checks: checks})
}
