package report

import (
	"context"
	"sync"
)

// Runner は最新の要求だけを有効にしてレポートを生成する。
// 新しい要求を受け付けると、実行中の要求は取り消され ErrSuperseded を返す。
type Runner struct {
	agg *Aggregator

	mu     sync.Mutex
	gen    uint64
	cancel context.CancelFunc
}

// NewRunner はRunnerを生成する。
func NewRunner(agg *Aggregator) *Runner {
	return &Runner{agg: agg}
}

// Submit は要求を実行する。実行中に別の要求が投入された場合は ErrSuperseded を返す。
func (r *Runner) Submit(ctx context.Context, req Request) (*Report, error) {
	ctx, cancel := context.WithCancel(ctx)

	r.mu.Lock()
	if r.cancel != nil {
		r.cancel()
	}
	r.gen++
	gen := r.gen
	r.cancel = cancel
	r.mu.Unlock()

	rep, err := r.agg.Build(ctx, req)

	r.mu.Lock()
	defer r.mu.Unlock()
	if gen != r.gen {
		cancel()
		return nil, ErrSuperseded
	}
	r.cancel = nil
	cancel()
	if err != nil {
		return nil, err
	}
	return rep, nil
}
