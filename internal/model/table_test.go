package model

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestDecodeTable_PreservesFirstRowColumnOrder(t *testing.T) {
	input := `[
		{"zeta": "a", "alpha": 1, "mid": true},
		{"alpha": 2.5, "zeta": null, "extra": "x"}
	]`

	table, err := DecodeTable(strings.NewReader(input))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []string{"zeta", "alpha", "mid"}
	if len(table.Columns) != len(want) {
		t.Fatalf("columns = %v, want %v", table.Columns, want)
	}
	for i, c := range want {
		if table.Columns[i] != c {
			t.Errorf("column[%d] = %q, want %q", i, table.Columns[i], c)
		}
	}

	if table.Len() != 2 {
		t.Fatalf("rows = %d, want 2", table.Len())
	}
	if got := table.Rows[0][1]; got.Kind != CellNumber || got.Num != 1 {
		t.Errorf("row0 alpha = %+v", got)
	}
	if got := table.Rows[0][2]; got.Kind != CellBool || !got.Bool {
		t.Errorf("row0 mid = %+v", got)
	}
	// 2行目に存在しない列はnull
	if got := table.Rows[1][2]; got.Kind != CellNull {
		t.Errorf("row1 mid = %+v, want null", got)
	}
	if got := table.Rows[1][0]; got.Kind != CellNull {
		t.Errorf("row1 zeta = %+v, want null", got)
	}
}

func TestDecodeTable_Empty(t *testing.T) {
	table, err := DecodeTable(strings.NewReader(`[]`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if table.Len() != 0 || len(table.Columns) != 0 {
		t.Errorf("expected empty table, got %+v", table)
	}
}

func TestDecodeTable_RejectsNonArray(t *testing.T) {
	if _, err := DecodeTable(strings.NewReader(`{"a":1}`)); err == nil {
		t.Error("オブジェクト単体はエラーになるべき")
	}
}

func TestDecodeTable_RejectsNestedValues(t *testing.T) {
	if _, err := DecodeTable(strings.NewReader(`[{"a":{"b":1}}]`)); err == nil {
		t.Error("ネストした値はエラーになるべき")
	}
}

func TestTable_MarshalJSON_KeepsOrder(t *testing.T) {
	table := &Table{
		Columns: []string{"b", "a"},
		Rows: [][]Cell{
			{{Kind: CellString, Str: "x"}, {Kind: CellNumber, Num: 3}},
		},
	}
	data, err := json.Marshal(table)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := string(data); got != `[{"b":"x","a":3}]` {
		t.Errorf("json = %s", got)
	}
}

func TestOrderedFields_MarshalJSON(t *testing.T) {
	f := OrderedFields{{Name: "fecha_creacion", Value: "01/11/2025"}, {Name: "apellido", Value: "Pérez"}}
	data, err := json.Marshal(f)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := string(data); got != `{"fecha_creacion":"01/11/2025","apellido":"Pérez"}` {
		t.Errorf("json = %s", got)
	}
}
