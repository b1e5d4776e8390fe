// Command pescadash は釣り許可証ダッシュボードのサーバーとクライアントを1つのバイナリで提供する。
//
// サーバー側: serve, worker, migrate, healthcheck
// クライアント側: login, signup, logout, role, view, report
package main

import (
	"fmt"
	"os"

	"github.com/hitoshi/pescadash/internal/app"
)

func main() {
	if err := app.Run(os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "pescadash: %v\n", err)
		os.Exit(1)
	}
}
