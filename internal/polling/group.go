package polling

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

type subscription interface {
	Key() Key
	Activate(ctx context.Context)
	Deactivate()
}

// Group は1つの利用者（画面）内の購読をKeyごとに1つにまとめる。
type Group struct {
	timeout time.Duration
	logger  *slog.Logger

	mu      sync.Mutex
	sources map[Key]subscription
	order   []Key
}

// NewGroup はGroupを生成する。timeoutとloggerは新規に作るSourceに渡される。
func NewGroup(timeout time.Duration, logger *slog.Logger) *Group {
	return &Group{
		timeout: timeout,
		logger:  logger,
		sources: make(map[Key]subscription),
	}
}

// Subscribe はkeyに対応するSourceを返す。同じkeyで既に購読している場合は既存のSourceを返し、
// fetchは使用しない。既存のSourceの値型が異なる場合はエラーを返す。
func Subscribe[T any](g *Group, key Key, fetch Fetcher[T]) (*Source[T], error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if existing, ok := g.sources[key]; ok {
		src, ok := existing.(*Source[T])
		if !ok {
			return nil, fmt.Errorf("polling: key %s already subscribed with a different value type", key.Endpoint)
		}
		return src, nil
	}

	src := New(key, fetch, g.timeout, g.logger)
	g.sources[key] = src
	g.order = append(g.order, key)
	return src, nil
}

// Len は購読数を返す。
func (g *Group) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sources)
}

// ActivateAll は登録順にすべての購読を有効にする。
func (g *Group) ActivateAll(ctx context.Context) {
	for _, s := range g.snapshot() {
		s.Activate(ctx)
	}
}

// Close はすべての購読を無効にして登録を解除する。
func (g *Group) Close() {
	subs := g.snapshot()

	g.mu.Lock()
	g.sources = make(map[Key]subscription)
	g.order = nil
	g.mu.Unlock()

	for _, s := range subs {
		s.Deactivate()
	}
}

func (g *Group) snapshot() []subscription {
	g.mu.Lock()
	defer g.mu.Unlock()
	subs := make([]subscription, 0, len(g.order))
	for _, k := range g.order {
		subs = append(subs, g.sources[k])
	}
	return subs
}
