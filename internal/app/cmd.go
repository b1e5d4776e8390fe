package app

import (
	"fmt"
	"io"
	"text/tabwriter"
)

// Command はサブコマンド。
type Command string

const (
	CommandServe       Command = "serve"
	CommandWorker      Command = "worker"
	CommandMigrate     Command = "migrate"
	CommandHealthcheck Command = "healthcheck" // distrolessイメージのHEALTHCHECK用
	CommandHelp        Command = "help"

	CommandLogin  Command = "login"
	CommandSignup Command = "signup"
	CommandLogout Command = "logout"
	CommandRole   Command = "role"
	CommandView   Command = "view"
	CommandReport Command = "report"
)

type commandInfo struct {
	cmd     Command
	client  bool
	summary string
}

// commands はhelpの表示順。
var commands = []commandInfo{
	{CommandServe, false, "認証とメトリクスAPIのHTTPサーバーを起動する（既定）"},
	{CommandWorker, false, "シートの取り込みと期限切れデータの掃除を定期実行する"},
	{CommandMigrate, false, "データベースを最新のスキーマに移行する"},
	{CommandHealthcheck, false, "ローカルのserveに/healthを問い合わせる"},
	{CommandLogin, true, "サインインする（--email/--password、または --provider google）"},
	{CommandSignup, true, "メールアドレスとパスワードで登録する"},
	{CommandLogout, true, "サインアウトする"},
	{CommandRole, true, "ロールを選ぶ（comun | gestor）"},
	{CommandView, true, "画面のウィジェットを定期取得して表示する（--path）"},
	{CommandReport, true, "期間を指定してレポートを作る（gestorのみ）"},
	{CommandHelp, true, "このヘルプを表示する"},
}

func lookupCommand(c Command) (commandInfo, bool) {
	for _, info := range commands {
		if info.cmd == c {
			return info, true
		}
	}
	return commandInfo{}, false
}

// ParseCommand は先頭の引数をサブコマンドとして解釈する。
// 引数がない場合と未知の語はserveとして扱う。
func ParseCommand(args []string) Command {
	if len(args) == 0 {
		return CommandServe
	}
	if info, ok := lookupCommand(Command(args[0])); ok {
		return info.cmd
	}
	return CommandServe
}

// IsClient はサーバー設定（DATABASE_URLなど）なしで動くコマンドかどうかを返す。
func (c Command) IsClient() bool {
	info, ok := lookupCommand(c)
	return ok && info.client
}

func writeUsage(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "usage: pescadash <command> [flags]")
	fmt.Fprintln(tw)
	for _, info := range commands {
		fmt.Fprintf(tw, "  %s\t%s\n", info.cmd, info.summary)
	}
	return tw.Flush()
}
