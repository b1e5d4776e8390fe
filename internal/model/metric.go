package model

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// DateLayout はAPIクエリで使用する日付書式（dd/mm/yyyy）。
const DateLayout = "02/01/2006"

// DayLayout は日別系列のdateフィールドの書式（yyyy-mm-dd）。
const DayLayout = "2006-01-02"

// MetricKind はレポートで要求できる指標の種類。
type MetricKind string

const (
	MetricPermitsPerDay  MetricKind = "permits_per_day"
	MetricRevenuePerDay  MetricKind = "revenue_per_day"
	MetricCategoryCounts MetricKind = "category_counts"
	MetricRegionCounts   MetricKind = "region_counts"
	MetricTotalPermits   MetricKind = "total_permits"
	MetricTotalRevenue   MetricKind = "total_revenue"
)

// AllMetrics は全指標を固定順で返す。
func AllMetrics() []MetricKind {
	return []MetricKind{
		MetricPermitsPerDay,
		MetricRevenuePerDay,
		MetricCategoryCounts,
		MetricRegionCounts,
		MetricTotalPermits,
		MetricTotalRevenue,
	}
}

// ParseMetricKind は文字列をMetricKindに変換する。
func ParseMetricKind(s string) (MetricKind, error) {
	for _, m := range AllMetrics() {
		if string(m) == s {
			return m, nil
		}
	}
	return "", fmt.Errorf("unknown metric: %q", s)
}

// DateRange は日単位の期間を表す。両端を含む。
// ゼロ値のStart/Endはその側に制限がないことを意味する。
type DateRange struct {
	Start time.Time
	End   time.Time
}

// NewDateRange は日付部分のみを残したDateRangeを生成する。
// StartがEndより後の場合はエラーを返す。
func NewDateRange(start, end time.Time) (DateRange, error) {
	r := DateRange{Start: truncateDay(start), End: truncateDay(end)}
	if !r.Start.IsZero() && !r.End.IsZero() && r.Start.After(r.End) {
		return DateRange{}, fmt.Errorf("start date %s is after end date %s",
			r.Start.Format(DateLayout), r.End.Format(DateLayout))
	}
	return r, nil
}

// ParseDateRange はdd/mm/yyyy形式の文字列からDateRangeを生成する。空文字列は無制限。
func ParseDateRange(start, end string) (DateRange, error) {
	var s, e time.Time
	var err error
	if start = strings.TrimSpace(start); start != "" {
		if s, err = time.Parse(DateLayout, start); err != nil {
			return DateRange{}, fmt.Errorf("invalid start_date %q: %w", start, err)
		}
	}
	if end = strings.TrimSpace(end); end != "" {
		if e, err = time.Parse(DateLayout, end); err != nil {
			return DateRange{}, fmt.Errorf("invalid end_date %q: %w", end, err)
		}
	}
	return NewDateRange(s, e)
}

// Query はstart_date/end_dateのクエリパラメータを返す。
func (r DateRange) Query() url.Values {
	q := url.Values{}
	if !r.Start.IsZero() {
		q.Set("start_date", r.Start.Format(DateLayout))
	}
	if !r.End.IsZero() {
		q.Set("end_date", r.End.Format(DateLayout))
	}
	return q
}

// EndExclusive は終了日の翌日0時を返す。終了日を丸ごと含めるための上限として使う。
func (r DateRange) EndExclusive() time.Time {
	if r.End.IsZero() {
		return time.Time{}
	}
	return r.End.AddDate(0, 0, 1)
}

// String はログ出力用に "dd/mm/yyyy-dd/mm/yyyy" を返す。
func (r DateRange) String() string {
	f := func(t time.Time) string {
		if t.IsZero() {
			return "*"
		}
		return t.Format(DateLayout)
	}
	return f(r.Start) + "-" + f(r.End)
}

func truncateDay(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// PermitCount は /api/permit-count のレスポンス。
type PermitCount struct {
	Count int `json:"count"`
}

// RevenueTotal は /api/total-recaudacion のレスポンス。
type RevenueTotal struct {
	Total float64 `json:"total"`
}

// DailyCount は /api/chart-data の要素。
type DailyCount struct {
	Date  string `json:"date"`
	Count int    `json:"count"`
}

// DailyRevenue は /api/recaudacion-por-dia の要素。
type DailyRevenue struct {
	Date        string  `json:"date"`
	Recaudacion float64 `json:"recaudacion"`
}

// NamedCount は /api/categoria-pesca と /api/regiones-count の要素。
type NamedCount struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}
