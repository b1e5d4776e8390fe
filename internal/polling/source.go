// Package polling は1つのエンドポイントを一定間隔で取得し続けるデータソースを提供する。
// 各取得にはシーケンス番号を付け、既に反映した番号以下の応答は破棄する。
package polling

import (
	"context"
	"log/slog"
	"net/url"
	"sync"
	"time"
)

// DefaultTimeout は1回の取得に許す最大時間。
const DefaultTimeout = 10 * time.Second

// Fetcher は1回分の取得処理。ctxには取得のタイムアウトが設定されている。
type Fetcher[T any] func(ctx context.Context) (T, error)

// Status は購読の状態。
type Status int

const (
	// StatusIdle はまだ一度も取得していない状態。
	StatusIdle Status = iota
	// StatusLoading は取得中の状態。
	StatusLoading
	// StatusReady は直近に反映した取得が成功した状態。
	StatusReady
	// StatusFailed は直近に反映した取得が失敗した状態。
	StatusFailed
)

// String は状態名を返す。
func (s Status) String() string {
	switch s {
	case StatusLoading:
		return "loading"
	case StatusReady:
		return "ready"
	case StatusFailed:
		return "failed"
	default:
		return "idle"
	}
}

// Key は購読を一意に識別する。
type Key struct {
	Endpoint string
	Params   string // エンコード済みクエリ（キー順）
	Interval time.Duration
}

// NewKey はクエリパラメータを正規化してKeyを生成する。
func NewKey(endpoint string, params url.Values, interval time.Duration) Key {
	return Key{Endpoint: endpoint, Params: params.Encode(), Interval: interval}
}

// Snapshot は購読状態のある時点のコピー。
type Snapshot[T any] struct {
	Key       Key
	Status    Status
	Value     T
	HasValue  bool
	Err       error
	Seq       uint64 // 反映済みの最大シーケンス番号
	UpdatedAt time.Time
}

type seqKey struct{}

// AttemptFromContext は取得処理のctxからシーケンス番号を取り出す。
func AttemptFromContext(ctx context.Context) (uint64, bool) {
	seq, ok := ctx.Value(seqKey{}).(uint64)
	return seq, ok
}

// Source は1つのエンドポイントを定期的に取得する購読。
//
// Deactivateは実行中の取得を中断しない。実行中の取得の結果はシーケンス番号の下限によって破棄される。
// OnChangeの通知は状態遷移の順に直列化される。通知関数の中からActivateやDeactivateを呼んではならない。
type Source[T any] struct {
	key     Key
	fetch   Fetcher[T]
	timeout time.Duration
	logger  *slog.Logger

	emitMu sync.Mutex // 通知の直列化

	mu        sync.Mutex
	snap      Snapshot[T]
	settled   Status // 最後に反映した取得の結果（未反映ならIdle）
	issued    uint64
	applied   uint64
	active    bool
	parent    context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	listeners []func(Snapshot[T])

	inflight sync.WaitGroup
}

// New はSourceを生成する。timeoutが0以下の場合はDefaultTimeout、loggerがnilの場合はslog.Default()を使用する。
func New[T any](key Key, fetch Fetcher[T], timeout time.Duration, logger *slog.Logger) *Source[T] {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Source[T]{
		key:     key,
		fetch:   fetch,
		timeout: timeout,
		logger:  logger,
		snap:    Snapshot[T]{Key: key},
	}
}

// Key は購読のキーを返す。
func (s *Source[T]) Key() Key {
	return s.key
}

// OnChange は状態遷移の通知先を登録する。
func (s *Source[T]) OnChange(fn func(Snapshot[T])) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Snapshot は現在の購読状態を返す。
func (s *Source[T]) Snapshot() Snapshot[T] {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

// Activate は直ちに1回取得し、以後Key.Intervalごとに取得する。
// Intervalが0以下の場合は最初の1回のみ取得する。既に有効な場合は何もしない。
func (s *Source[T]) Activate(ctx context.Context) {
	s.mu.Lock()
	if s.active {
		s.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.active = true
	s.parent = ctx
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	s.logger.Debug("polling activated",
		slog.String("endpoint", s.key.Endpoint),
		slog.Duration("interval", s.key.Interval),
	)

	s.tick()
	go s.run(loopCtx, done)
}

// Deactivate は以後の取得を止め、実行中の取得の結果を破棄対象にする。
// 取得中だった場合、状態は最後に反映した結果に戻す。
func (s *Source[T]) Deactivate() {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	s.active = false
	s.applied = s.issued
	s.snap.Status = s.settled
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	cancel()
	<-done

	s.logger.Debug("polling deactivated", slog.String("endpoint", s.key.Endpoint))
}

func (s *Source[T]) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	if s.key.Interval <= 0 {
		<-ctx.Done()
		return
	}

	ticker := time.NewTicker(s.key.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

// tick は新しいシーケンス番号で取得を開始し、状態をLoadingにする。無効な購読では何もしない。
func (s *Source[T]) tick() {
	s.emitMu.Lock()
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		s.emitMu.Unlock()
		return
	}
	s.issued++
	seq := s.issued
	parent := s.parent
	s.snap.Status = StatusLoading
	snap, listeners := s.snap, s.listeners
	s.inflight.Add(1)
	s.mu.Unlock()

	notify(listeners, snap)
	s.emitMu.Unlock()

	go s.attempt(parent, seq)
}

func (s *Source[T]) attempt(parent context.Context, seq uint64) {
	defer s.inflight.Done()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), s.timeout)
	defer cancel()
	ctx = context.WithValue(ctx, seqKey{}, seq)

	start := time.Now()
	value, err := s.fetch(ctx)
	s.apply(seq, value, err, time.Since(start))
}

// apply は取得結果を反映する。反映済みの番号以下の結果は破棄する。
func (s *Source[T]) apply(seq uint64, value T, err error, took time.Duration) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	if seq <= s.applied {
		s.mu.Unlock()
		s.logger.Debug("stale response discarded",
			slog.String("endpoint", s.key.Endpoint),
			slog.Uint64("seq", seq),
		)
		return
	}
	s.applied = seq
	s.snap.Seq = seq
	s.snap.UpdatedAt = time.Now()
	if err != nil {
		s.snap.Status = StatusFailed
		s.settled = StatusFailed
		s.snap.Err = err
	} else {
		s.snap.Status = StatusReady
		s.settled = StatusReady
		s.snap.Err = nil
		s.snap.Value = value
		s.snap.HasValue = true
	}
	snap, listeners := s.snap, s.listeners
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn("polling fetch failed",
			slog.String("endpoint", s.key.Endpoint),
			slog.Uint64("seq", seq),
			slog.String("error", err.Error()),
		)
	} else {
		s.logger.Debug("polling fetch applied",
			slog.String("endpoint", s.key.Endpoint),
			slog.Uint64("seq", seq),
			slog.Float64("duration_ms", float64(took.Milliseconds())),
		)
	}

	notify(listeners, snap)
}

// waitIdle は実行中の取得がすべて終わるまで待つ。
func (s *Source[T]) waitIdle() {
	s.inflight.Wait()
}

func notify[T any](listeners []func(Snapshot[T]), snap Snapshot[T]) {
	for _, fn := range listeners {
		fn(snap)
	}
}
