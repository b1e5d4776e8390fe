package model

import (
	"bytes"
	"encoding/json"
	"time"
)

// PermitRecord はスプレッドシート1行分の許可証データを表す。
// RowNumberはシート上の行番号（ヘッダー行を1とする）で、取り込み時の一意キーになる。
type PermitRecord struct {
	RowNumber   int
	CreatedAt   *time.Time // fecha_creacion。解析できない場合はnil
	ProductName string
	NetRevenue  *float64
	Regions     string
	Display     OrderedFields
	ImportedAt  time.Time
}

// Field は列名と値の組。
type Field struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// OrderedFields は列順を保持したフィールド列。
// JSONには列順どおりのオブジェクトとして出力する。
type OrderedFields []Field

// MarshalJSON は列順を保ったJSONオブジェクトを出力する。
func (f OrderedFields) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, field := range f {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(field.Name)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(field.Value)
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
