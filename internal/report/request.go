// Package report は期間指定の複数指標を一括取得し、1つのレポートにまとめる。
package report

import (
	"fmt"
	"slices"

	"github.com/hitoshi/pescadash/internal/model"
)

// Request はレポートの要求。生成後は変更しない。新しい要求は丸ごと置き換える。
type Request struct {
	rng     model.DateRange
	metrics []model.MetricKind
}

// NewRequest はRequestを生成する。metricsが空の場合は全指標を対象にする。
// 重複は取り除き、AllMetricsの順に並べる。
func NewRequest(rng model.DateRange, metrics ...model.MetricKind) (Request, error) {
	if len(metrics) == 0 {
		return Request{rng: rng, metrics: model.AllMetrics()}, nil
	}

	set := make(map[model.MetricKind]bool, len(metrics))
	for _, m := range metrics {
		if _, err := model.ParseMetricKind(string(m)); err != nil {
			return Request{}, fmt.Errorf("invalid report request: %w", err)
		}
		set[m] = true
	}

	ordered := make([]model.MetricKind, 0, len(set))
	for _, m := range model.AllMetrics() {
		if set[m] {
			ordered = append(ordered, m)
		}
	}
	return Request{rng: rng, metrics: ordered}, nil
}

// Range は対象期間を返す。
func (r Request) Range() model.DateRange {
	return r.rng
}

// Metrics は要求された指標のコピーを返す。
func (r Request) Metrics() []model.MetricKind {
	return slices.Clone(r.metrics)
}

// Has は指標が要求に含まれるかを返す。
func (r Request) Has(m model.MetricKind) bool {
	return slices.Contains(r.metrics, m)
}
