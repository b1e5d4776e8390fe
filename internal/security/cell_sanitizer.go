// Package security はアプリケーションのセキュリティ機能を提供する。
//
// CellSanitizer は取り込んだスプレッドシートのセル値からマークアップを除去し、
// プレーンテキストとして保存・表示できる形にする。
// bluemondayのStrictPolicyを使用し、すべてのタグと属性を除去する。
package security

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// CellSanitizer はセル値のサニタイズ機能のインターフェースを定義する。
type CellSanitizer interface {
	// Sanitize はセル値からタグを除去し、前後の空白を取り除いたプレーンテキストを返す。
	// 同一入力に対して常に同一出力を返す（冪等）。
	Sanitize(raw string) string
}

// cellSanitizer はCellSanitizerの実装。ポリシーはスレッドセーフに共有できる。
type cellSanitizer struct {
	policy *bluemonday.Policy
}

// NewCellSanitizer はCellSanitizerの新しいインスタンスを生成する。
func NewCellSanitizer() *cellSanitizer {
	return &cellSanitizer{policy: bluemonday.StrictPolicy()}
}

// Sanitize はセル値をプレーンテキスト化する。
// StrictPolicyはテキスト中の&や<をエスケープするため、最後にエンティティを戻す。
func (s *cellSanitizer) Sanitize(raw string) string {
	if raw == "" {
		return ""
	}
	if !strings.ContainsAny(raw, "<>&") {
		return strings.TrimSpace(raw)
	}
	return strings.TrimSpace(html.UnescapeString(s.policy.Sanitize(raw)))
}
