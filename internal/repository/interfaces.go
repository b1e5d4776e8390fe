// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/hitoshi/pescadash/internal/model"
)

// UserRepository はユーザーデータの永続化インターフェース。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)

	// FindByEmail はメールアドレス（大文字小文字を区別しない）でユーザーを取得する。
	// 見つからない場合はnilを返す。
	FindByEmail(ctx context.Context, email string) (*model.User, error)

	// CreateWithIdentity はユーザーとidentityを同一トランザクションで作成する。
	CreateWithIdentity(ctx context.Context, user *model.User, identity *model.Identity) error
}

// IdentityRepository は認証手段の紐付け情報の永続化インターフェース。
type IdentityRepository interface {
	// FindByProviderAndProviderUserID はproviderとprovider_user_idでidentityを検索する。
	// 見つからない場合はnilを返す。
	FindByProviderAndProviderUserID(ctx context.Context, provider, providerUserID string) (*model.Identity, error)
	// Create は既存ユーザーにidentityを追加する。
	Create(ctx context.Context, identity *model.Identity) error
}

// SessionRepository はセッションデータの永続化インターフェース。
type SessionRepository interface {
	// Create はセッションを作成する。
	Create(ctx context.Context, session *model.Session) error
	// FindByID は指定IDのセッションを取得する。期限切れの場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Session, error)
	// DeleteByID は指定IDのセッションを削除する。
	DeleteByID(ctx context.Context, id string) error
	// DeleteByUserID は指定ユーザーの全セッションを削除する。
	DeleteByUserID(ctx context.Context, userID string) error
}

// OAuthStateRepository はOAuthサインイン途中状態の永続化インターフェース。
type OAuthStateRepository interface {
	// Create はstateを作成する。
	Create(ctx context.Context, state *model.OAuthState) error
	// FindByState は有効期限内のstateを取得する。見つからない場合はnilを返す。
	FindByState(ctx context.Context, state string) (*model.OAuthState, error)
	// Complete はstateに発行済みセッションを紐付ける。
	// 未完了かつ有効期限内のstateが存在しない場合はfalseを返す。
	Complete(ctx context.Context, state, sessionID string) (bool, error)
	// Delete はstateを削除する。
	Delete(ctx context.Context, state string) error
}

// PermitQuery は許可証の集計条件。
// Rangeのゼロ値側は制限なし、MinRowはその行番号以上を許可証として扱う。
type PermitQuery struct {
	Range  model.DateRange
	MinRow int
}

// PermitRepository は取り込み済み許可証データの永続化と集計のインターフェース。
type PermitRepository interface {
	// UpsertBatch は行番号をキーに許可証を一括UPSERTする。tx内で実行する。
	UpsertBatch(ctx context.Context, tx *sql.Tx, records []*model.PermitRecord) error
	// DeleteAfterRow は指定行番号より後の行を削除する。シートの行が減った場合に使う。tx内で実行する。
	DeleteAfterRow(ctx context.Context, tx *sql.Tx, lastRow int) (int64, error)

	// CountPermits は条件に合う許可証数を返す。作成日時が不明な行は数えない。
	CountPermits(ctx context.Context, q PermitQuery) (int, error)
	// CountPerDay は日別の許可証数を日付昇順で返す。
	CountPerDay(ctx context.Context, q PermitQuery) ([]model.DailyCount, error)
	// SumRevenue は純収入の合計を返す。数値でない値は無視する。
	SumRevenue(ctx context.Context, q PermitQuery) (float64, error)
	// SumRevenuePerDay は日別の純収入合計を日付昇順で返す。
	SumRevenuePerDay(ctx context.Context, q PermitQuery) ([]model.DailyRevenue, error)
	// CountByProduct は商品名ごとの件数を件数降順で返す。
	CountByProduct(ctx context.Context, q PermitQuery) ([]model.NamedCount, error)
	// CountByRegion はカンマ区切りのRegion/es列を分割し、regionsに含まれる地域のみ数える。
	CountByRegion(ctx context.Context, q PermitQuery, regions []string) ([]model.NamedCount, error)
	// Latest は行番号の大きい順にlimit件を取得し、行番号昇順で返す。
	Latest(ctx context.Context, limit int) ([]*model.PermitRecord, error)
}

// ImportSourceRepository は取り込み元の取得状態の永続化インターフェース。
type ImportSourceRepository interface {
	// Ensure はsheet_urlに対応する取り込み元を取得し、存在しなければ作成する。
	Ensure(ctx context.Context, sheetURL string) (*model.ImportSource, error)
	// ListDue は取得予定時刻を過ぎたactiveな取り込み元を返す。
	ListDue(ctx context.Context, now time.Time) ([]*model.ImportSource, error)
	// UpdateFetchState は取得状態（ETag、エラー数、次回取得時刻など）を更新する。
	UpdateFetchState(ctx context.Context, src *model.ImportSource) error
}

// TxBeginner はトランザクション開始用のインターフェース。
type TxBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}
