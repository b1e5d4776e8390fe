package importer

import (
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/pescadash/internal/model"
)

func TestClassifyHTTPStatus(t *testing.T) {
	tests := []struct {
		status int
		want   FetchResult
	}{
		{200, FetchResultOK},
		{304, FetchResultNotModified},
		{401, FetchResultStop},
		{403, FetchResultStop},
		{404, FetchResultStop},
		{410, FetchResultStop},
		{429, FetchResultBackoff},
		{500, FetchResultBackoff},
		{502, FetchResultBackoff},
		{503, FetchResultBackoff},
		{302, FetchResultUnknown},
		{418, FetchResultUnknown},
	}

	for _, tt := range tests {
		if got := ClassifyHTTPStatus(tt.status); got != tt.want {
			t.Errorf("ClassifyHTTPStatus(%d) = %d, want %d", tt.status, got, tt.want)
		}
	}
}

func TestCalculateBackoff(t *testing.T) {
	tests := []struct {
		errors int
		want   time.Duration
	}{
		{0, 2 * time.Minute},
		{1, 4 * time.Minute},
		{2, 8 * time.Minute},
		{4, 32 * time.Minute},
		{5, time.Hour},
		{50, time.Hour},
	}

	for _, tt := range tests {
		if got := CalculateBackoff(tt.errors); got != tt.want {
			t.Errorf("CalculateBackoff(%d) = %v, want %v", tt.errors, got, tt.want)
		}
	}
}

func TestApplyStop(t *testing.T) {
	now := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	src := &model.ImportSource{FetchStatus: model.FetchStatusActive}

	ApplyStop(src, "HTTP 404", now)

	if src.FetchStatus != model.FetchStatusStopped {
		t.Errorf("FetchStatus = %q, want stopped", src.FetchStatus)
	}
	if src.ErrorMessage != "HTTP 404" {
		t.Errorf("ErrorMessage = %q", src.ErrorMessage)
	}
	if src.Due(now.Add(time.Hour)) {
		t.Error("停止した取り込み元は取得対象にならない")
	}
}

func TestApplyBackoff_IncrementsErrors(t *testing.T) {
	now := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	src := &model.ImportSource{FetchStatus: model.FetchStatusActive}

	ApplyBackoff(src, "HTTP 503", now)
	if src.ConsecutiveErrors != 1 {
		t.Errorf("ConsecutiveErrors = %d, want 1", src.ConsecutiveErrors)
	}
	if want := now.Add(2 * time.Minute); !src.NextFetchAt.Equal(want) {
		t.Errorf("NextFetchAt = %v, want %v", src.NextFetchAt, want)
	}

	ApplyBackoff(src, "HTTP 503", now)
	if want := now.Add(4 * time.Minute); !src.NextFetchAt.Equal(want) {
		t.Errorf("2回目 NextFetchAt = %v, want %v", src.NextFetchAt, want)
	}
	if src.FetchStatus != model.FetchStatusActive {
		t.Error("バックオフでは停止しない")
	}
}

func TestApplySuccess_Resets(t *testing.T) {
	now := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	src := &model.ImportSource{ConsecutiveErrors: 4, ErrorMessage: "HTTP 503"}

	ApplySuccess(src, time.Minute, now)

	if src.ConsecutiveErrors != 0 || src.ErrorMessage != "" {
		t.Errorf("エラー状態がリセットされていない: %+v", src)
	}
	if want := now.Add(time.Minute); !src.NextFetchAt.Equal(want) {
		t.Errorf("NextFetchAt = %v, want %v", src.NextFetchAt, want)
	}
}

func TestApplyParseFailure_StopsAtThreshold(t *testing.T) {
	now := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	src := &model.ImportSource{FetchStatus: model.FetchStatusActive}

	for i := 1; i < parseFailureThreshold; i++ {
		ApplyParseFailure(src, "missing column", time.Minute, now)
		if src.FetchStatus != model.FetchStatusActive {
			t.Fatalf("%d回目で停止してはならない", i)
		}
	}
	if !strings.Contains(src.ErrorMessage, "9回連続") {
		t.Errorf("ErrorMessage = %q", src.ErrorMessage)
	}

	ApplyParseFailure(src, "missing column", time.Minute, now)
	if src.FetchStatus != model.FetchStatusStopped {
		t.Errorf("%d回連続で停止するべき", parseFailureThreshold)
	}
}

func TestReactivate(t *testing.T) {
	now := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	src := &model.ImportSource{
		FetchStatus:       model.FetchStatusStopped,
		ConsecutiveErrors: 10,
		ErrorMessage:      "HTTP 403",
		NextFetchAt:       now.Add(time.Hour),
	}

	Reactivate(src, now)

	if !src.Due(now) {
		t.Errorf("再開後は即時取得対象になるべき: %+v", src)
	}
	if src.ConsecutiveErrors != 0 || src.ErrorMessage != "" {
		t.Errorf("エラー状態がリセットされていない: %+v", src)
	}
}
