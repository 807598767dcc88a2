package worker

import (
	"context"

	"github.com/ChuLiYu/genflow/internal/apiclient"
)

// Prober performs the network side of a status probe. Implementations pick
// the endpoint from Task.Kind and return either one report (per-id status)
// or the full generation list.
type Prober interface {
	Probe(ctx context.Context, task Task) ([]apiclient.StatusReport, error)
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context, task Task) ([]apiclient.StatusReport, error)

// Probe calls f.
func (f ProberFunc) Probe(ctx context.Context, task Task) ([]apiclient.StatusReport, error) {
	return f(ctx, task)
}
