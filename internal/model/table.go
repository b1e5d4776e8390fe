package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
)

// CellKind はセル値の型。
type CellKind int

const (
	CellNull CellKind = iota
	CellString
	CellNumber
	CellBool
)

// Cell は表の1セル。
type Cell struct {
	Kind CellKind
	Str  string
	Num  float64
	Bool bool
}

// String は表示用の文字列を返す。nullは空文字列。
func (c Cell) String() string {
	switch c.Kind {
	case CellString:
		return c.Str
	case CellNumber:
		return strconv.FormatFloat(c.Num, 'f', -1, 64)
	case CellBool:
		return strconv.FormatBool(c.Bool)
	default:
		return ""
	}
}

// MarshalJSON はセルを元の型のJSON値として出力する。
func (c Cell) MarshalJSON() ([]byte, error) {
	switch c.Kind {
	case CellString:
		return json.Marshal(c.Str)
	case CellNumber:
		return json.Marshal(c.Num)
	case CellBool:
		return json.Marshal(c.Bool)
	default:
		return []byte("null"), nil
	}
}

// Table は最新登録一覧のような列順つきの表データ。
// Columnsは先頭行のキー順から一度だけ決定する。
type Table struct {
	Columns []string
	Rows    [][]Cell
}

// Len は行数を返す。
func (t *Table) Len() int {
	return len(t.Rows)
}

// MarshalJSON は列順を保ったオブジェクトの配列として出力する。
func (t *Table) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, row := range t.Rows {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.WriteByte('{')
		for j, col := range t.Columns {
			if j > 0 {
				buf.WriteByte(',')
			}
			k, _ := json.Marshal(col)
			buf.Write(k)
			buf.WriteByte(':')
			var cell Cell
			if j < len(row) {
				cell = row[j]
			}
			v, err := cell.MarshalJSON()
			if err != nil {
				return nil, err
			}
			buf.Write(v)
		}
		buf.WriteByte('}')
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}

// DecodeTable はオブジェクトのJSON配列を読み込み、列順を保ったTableを返す。
// 列は先頭行のキー順で決まり、2行目以降に存在しない列はnull、未知の列は無視する。
func DecodeTable(r io.Reader) (*Table, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	if err := expectDelim(dec, '['); err != nil {
		return nil, err
	}

	t := &Table{Columns: []string{}, Rows: [][]Cell{}}
	first := true
	for dec.More() {
		keys, values, err := decodeObject(dec)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", len(t.Rows), err)
		}
		if first {
			t.Columns = keys
			first = false
		}
		row := make([]Cell, len(t.Columns))
		for i, col := range t.Columns {
			if v, ok := values[col]; ok {
				row[i] = v
			}
		}
		t.Rows = append(t.Rows, row)
	}

	if err := expectDelim(dec, ']'); err != nil {
		return nil, err
	}
	return t, nil
}

func expectDelim(dec *json.Decoder, want json.Delim) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != want {
		return fmt.Errorf("expected %q, got %v", want, tok)
	}
	return nil
}

func decodeObject(dec *json.Decoder) ([]string, map[string]Cell, error) {
	if err := expectDelim(dec, '{'); err != nil {
		return nil, nil, err
	}
	var keys []string
	values := make(map[string]Cell)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, nil, err
		}
		key, ok := tok.(string)
		if !ok {
			return nil, nil, fmt.Errorf("expected object key, got %v", tok)
		}
		tok, err = dec.Token()
		if err != nil {
			return nil, nil, err
		}
		cell, err := toCell(tok)
		if err != nil {
			return nil, nil, fmt.Errorf("column %q: %w", key, err)
		}
		if _, dup := values[key]; !dup {
			keys = append(keys, key)
		}
		values[key] = cell
	}
	if err := expectDelim(dec, '}'); err != nil {
		return nil, nil, err
	}
	return keys, values, nil
}

func toCell(tok json.Token) (Cell, error) {
	switch v := tok.(type) {
	case nil:
		return Cell{Kind: CellNull}, nil
	case string:
		return Cell{Kind: CellString, Str: v}, nil
	case bool:
		return Cell{Kind: CellBool, Bool: v}, nil
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return Cell{}, err
		}
		return Cell{Kind: CellNumber, Num: f}, nil
	default:
		return Cell{}, fmt.Errorf("nested values are not supported: %v", tok)
	}
}
