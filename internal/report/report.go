package report

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/zeebo/blake3"

	"github.com/hitoshi/pescadash/internal/model"
)

// revenueTolerance は収入の突合で許容する誤差。
const revenueTolerance = 0.005

// Series は指標ごとの取得結果。要求されなかった指標はnil。
type Series struct {
	PermitsPerDay  []model.DailyCount   `json:"permits_per_day,omitempty"`
	RevenuePerDay  []model.DailyRevenue `json:"revenue_per_day,omitempty"`
	CategoryCounts []model.NamedCount   `json:"category_counts,omitempty"`
	RegionCounts   []model.NamedCount   `json:"region_counts,omitempty"`
	TotalPermits   *int                 `json:"total_permits,omitempty"`
	TotalRevenue   *float64             `json:"total_revenue,omitempty"`
}

// Totals は日別系列から算出した合計。元の系列が要求されなかった場合はnil。
type Totals struct {
	Permits *int     `json:"permits,omitempty"`
	Revenue *float64 `json:"revenue,omitempty"`
}

// Check は算出した合計と取得した合計の突合結果。
type Check struct {
	Checked bool    `json:"checked"`
	Derived float64 `json:"derived"`
	Fetched float64 `json:"fetched"`
	Match   bool    `json:"match"`
}

// CrossCheck は件数と収入の突合結果。
type CrossCheck struct {
	Permits Check `json:"permits"`
	Revenue Check `json:"revenue"`
}

// OK は実施したすべての突合が一致したかを返す。
func (c CrossCheck) OK() bool {
	return (!c.Permits.Checked || c.Permits.Match) && (!c.Revenue.Checked || c.Revenue.Match)
}

// Report は一括取得した指標をまとめた不変のレポート。
type Report struct {
	rng         model.DateRange
	metrics     []model.MetricKind
	series      Series
	totals      Totals
	crossCheck  CrossCheck
	generatedAt time.Time
	digest      string
}

// newReport は取得結果から合計と突合を算出してReportを生成する。
func newReport(req Request, s Series, now time.Time) (*Report, error) {
	r := &Report{
		rng:         req.Range(),
		metrics:     req.Metrics(),
		series:      s,
		generatedAt: now,
	}

	if req.Has(model.MetricPermitsPerDay) {
		sum := 0
		for _, d := range s.PermitsPerDay {
			sum += d.Count
		}
		r.totals.Permits = &sum
		if req.Has(model.MetricTotalPermits) && s.TotalPermits != nil {
			r.crossCheck.Permits = Check{
				Checked: true,
				Derived: float64(sum),
				Fetched: float64(*s.TotalPermits),
				Match:   sum == *s.TotalPermits,
			}
		}
	}

	if req.Has(model.MetricRevenuePerDay) {
		sum := 0.0
		for _, d := range s.RevenuePerDay {
			sum += d.Recaudacion
		}
		r.totals.Revenue = &sum
		if req.Has(model.MetricTotalRevenue) && s.TotalRevenue != nil {
			r.crossCheck.Revenue = Check{
				Checked: true,
				Derived: sum,
				Fetched: *s.TotalRevenue,
				Match:   math.Abs(sum-*s.TotalRevenue) <= revenueTolerance,
			}
		}
	}

	digest, err := r.computeDigest()
	if err != nil {
		return nil, err
	}
	r.digest = digest
	return r, nil
}

// Range は対象期間を返す。
func (r *Report) Range() model.DateRange { return r.rng }

// Metrics は含まれる指標を返す。
func (r *Report) Metrics() []model.MetricKind { return slices.Clone(r.metrics) }

// Series は取得結果のコピーを返す。
func (r *Report) Series() Series {
	s := Series{
		PermitsPerDay:  slices.Clone(r.series.PermitsPerDay),
		RevenuePerDay:  slices.Clone(r.series.RevenuePerDay),
		CategoryCounts: slices.Clone(r.series.CategoryCounts),
		RegionCounts:   slices.Clone(r.series.RegionCounts),
	}
	if r.series.TotalPermits != nil {
		v := *r.series.TotalPermits
		s.TotalPermits = &v
	}
	if r.series.TotalRevenue != nil {
		v := *r.series.TotalRevenue
		s.TotalRevenue = &v
	}
	return s
}

// Totals は算出した合計のコピーを返す。
func (r *Report) Totals() Totals {
	var t Totals
	if r.totals.Permits != nil {
		v := *r.totals.Permits
		t.Permits = &v
	}
	if r.totals.Revenue != nil {
		v := *r.totals.Revenue
		t.Revenue = &v
	}
	return t
}

// CrossCheck は突合結果を返す。
func (r *Report) CrossCheck() CrossCheck { return r.crossCheck }

// GeneratedAt は生成時刻を返す。
func (r *Report) GeneratedAt() time.Time { return r.generatedAt }

// Digest は内容のBLAKE3ハッシュ（16進）を返す。生成時刻は含まない。
func (r *Report) Digest() string { return r.digest }

type rangeJSON struct {
	Start string `json:"start,omitempty"`
	End   string `json:"end,omitempty"`
}

type contentJSON struct {
	Range      rangeJSON          `json:"range"`
	Metrics    []model.MetricKind `json:"metrics"`
	Series     Series             `json:"series"`
	Totals     Totals             `json:"totals"`
	CrossCheck CrossCheck         `json:"cross_check"`
}

func (r *Report) content() contentJSON {
	var rj rangeJSON
	if !r.rng.Start.IsZero() {
		rj.Start = r.rng.Start.Format(model.DateLayout)
	}
	if !r.rng.End.IsZero() {
		rj.End = r.rng.End.Format(model.DateLayout)
	}
	return contentJSON{
		Range:      rj,
		Metrics:    r.metrics,
		Series:     r.series,
		Totals:     r.totals,
		CrossCheck: r.crossCheck,
	}
}

func (r *Report) computeDigest() (string, error) {
	canonical, err := json.Marshal(r.content())
	if err != nil {
		return "", fmt.Errorf("canonicalize report: %w", err)
	}
	hasher := blake3.New()
	if _, err := hasher.Write(canonical); err != nil {
		return "", fmt.Errorf("hash report: %w", err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// MarshalJSON はエクスポート用のJSONを出力する。
func (r *Report) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		contentJSON
		GeneratedAt time.Time `json:"generated_at"`
		Digest      string    `json:"digest"`
	}{
		contentJSON: r.content(),
		GeneratedAt: r.generatedAt,
		Digest:      r.digest,
	})
}
