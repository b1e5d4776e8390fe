// Package permit は許可証スプレッドシートの取り込みと集計を提供する。
package permit

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/hitoshi/pescadash/internal/model"
	"github.com/hitoshi/pescadash/internal/security"
)

// シートの列名
const (
	ColumnCreatedAt  = "fecha_creacion"
	ColumnNetRevenue = "Ingresosnetos(conformato)"
	ColumnProduct    = "nombre_producto"
	ColumnRegions    = "Region/es"
)

// DisplayColumns は最新登録一覧に表示する列の位置（A, B, E, F, Q列）。
var DisplayColumns = []int{0, 1, 4, 5, 16}

// dateLayouts はfecha_creacionとして受け付ける書式。日が先の表記を優先する。
var dateLayouts = []string{
	"2/1/2006 15:04:05",
	"2/1/2006 15:04",
	"2/1/2006",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
	time.RFC3339,
}

// ErrMissingColumn は必須列がヘッダーに存在しない場合のエラー。
var ErrMissingColumn = errors.New("required column missing")

// Sheet は解析済みのシート。
type Sheet struct {
	Header  []string
	Records []*model.PermitRecord
	// LastRow はシート上の最終データ行の行番号。データ行がない場合は1（ヘッダー行）。
	LastRow int
}

// ParseSheet はCSVエクスポートを読み込み、行ごとのPermitRecordに変換する。
// 行番号はヘッダー行を1とするシート上の番号で、全セルが空の行は読み飛ばす（番号は消費する）。
// セル値はsanitizerでプレーンテキスト化する。
func ParseSheet(r io.Reader, sanitizer security.CellSanitizer, importedAt time.Time) (*Sheet, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	header, err := cr.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("%w: empty sheet", ErrMissingColumn)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(sanitizer.Sanitize(header[i]))
	}
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\ufeff")
	}

	idx := make(map[string]int, len(header))
	for i, name := range header {
		if _, dup := idx[name]; !dup {
			idx[name] = i
		}
	}
	for _, required := range []string{ColumnCreatedAt, ColumnNetRevenue, ColumnProduct, ColumnRegions} {
		if _, ok := idx[required]; !ok {
			return nil, fmt.Errorf("%w: %q", ErrMissingColumn, required)
		}
	}

	sheet := &Sheet{Header: header, Records: []*model.PermitRecord{}, LastRow: 1}
	rowNumber := 1
	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read row %d: %w", rowNumber+1, err)
		}
		rowNumber++

		for i := range row {
			row[i] = sanitizer.Sanitize(row[i])
		}
		if isBlankRow(row) {
			continue
		}

		cell := func(i int) string {
			if i < len(row) {
				return row[i]
			}
			return ""
		}

		rec := &model.PermitRecord{
			RowNumber:   rowNumber,
			CreatedAt:   ParseDate(cell(idx[ColumnCreatedAt])),
			ProductName: cell(idx[ColumnProduct]),
			NetRevenue:  ParseAmount(cell(idx[ColumnNetRevenue])),
			Regions:     cell(idx[ColumnRegions]),
			ImportedAt:  importedAt,
		}
		for _, col := range DisplayColumns {
			if col < len(header) {
				rec.Display = append(rec.Display, model.Field{Name: header[col], Value: cell(col)})
			}
		}
		sheet.Records = append(sheet.Records, rec)
		sheet.LastRow = rowNumber
	}

	return sheet, nil
}

// ParseDate はfecha_creacionの値を解析する。解析できない場合はnilを返す。
// タイムゾーンを持たない値はUTCとして扱う。
func ParseDate(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}

// ParseAmount は純収入の値を数値として解析する。数値でない場合はnilを返す。
func ParseAmount(s string) *float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

func isBlankRow(row []string) bool {
	for _, c := range row {
		if c != "" {
			return false
		}
	}
	return true
}
