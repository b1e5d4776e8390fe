package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/hitoshi/pescadash/internal/model"
)

// ユーザー、identity、セッションのリポジトリ。
// いずれも見つからない場合はエラーではなくnilを返す。

const (
	userColumns     = `id, email, name, created_at, updated_at`
	identityColumns = `id, user_id, provider, provider_user_id, secret_hash, created_at`
)

// execer は*sql.DBと*sql.Txの共通部分。
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// findOne は1行をscanし、行がなければnilを返す。
func findOne[T any](row *sql.Row, scan func(rowScanner) (*T, error)) (*T, error) {
	v, err := scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return v, err
}

func scanUser(row rowScanner) (*model.User, error) {
	u := &model.User{}
	err := row.Scan(&u.ID, &u.Email, &u.Name, &u.CreatedAt, &u.UpdatedAt)
	return u, err
}

func scanIdentity(row rowScanner) (*model.Identity, error) {
	i := &model.Identity{}
	err := row.Scan(&i.ID, &i.UserID, &i.Provider, &i.ProviderUserID, &i.SecretHash, &i.CreatedAt)
	return i, err
}

func insertIdentity(ctx context.Context, db execer, i *model.Identity) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO identities (`+identityColumns+`) VALUES ($1, $2, $3, $4, $5, $6)`,
		i.ID, i.UserID, i.Provider, i.ProviderUserID, i.SecretHash, i.CreatedAt,
	)
	return err
}

// PostgresUserRepo はusersテーブルのリポジトリ。
type PostgresUserRepo struct {
	db *sql.DB
}

func NewPostgresUserRepo(db *sql.DB) *PostgresUserRepo {
	return &PostgresUserRepo{db: db}
}

func (r *PostgresUserRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	u, err := findOne(r.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id), scanUser)
	if err != nil {
		return nil, fmt.Errorf("failed to find user %s: %w", id, err)
	}
	return u, nil
}

// FindByEmail はidx_users_email（lower(email)）を使って検索する。
func (r *PostgresUserRepo) FindByEmail(ctx context.Context, email string) (*model.User, error) {
	u, err := findOne(r.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE lower(email) = lower($1)`, email), scanUser)
	if err != nil {
		return nil, fmt.Errorf("failed to find user by email: %w", err)
	}
	return u, nil
}

// CreateWithIdentity はユーザーと最初のidentityを1トランザクションで作成する。
// どちらかが一意制約に違反した場合は何も残らない。
func (r *PostgresUserRepo) CreateWithIdentity(ctx context.Context, user *model.User, identity *model.Identity) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO users (`+userColumns+`) VALUES ($1, $2, $3, $4, $5)`,
		user.ID, user.Email, user.Name, user.CreatedAt, user.UpdatedAt,
	); err != nil {
		return fmt.Errorf("failed to insert user: %w", err)
	}
	if err := insertIdentity(ctx, tx, identity); err != nil {
		return fmt.Errorf("failed to insert %s identity: %w", identity.Provider, err)
	}
	return tx.Commit()
}

// PostgresIdentityRepo はidentitiesテーブルのリポジトリ。
type PostgresIdentityRepo struct {
	db *sql.DB
}

func NewPostgresIdentityRepo(db *sql.DB) *PostgresIdentityRepo {
	return &PostgresIdentityRepo{db: db}
}

// FindByProviderAndProviderUserID はパスワード認証では小文字化したメールアドレス、
// Googleではsubで検索する。
func (r *PostgresIdentityRepo) FindByProviderAndProviderUserID(ctx context.Context, provider, providerUserID string) (*model.Identity, error) {
	i, err := findOne(r.db.QueryRowContext(ctx,
		`SELECT `+identityColumns+` FROM identities WHERE provider = $1 AND provider_user_id = $2`,
		provider, providerUserID), scanIdentity)
	if err != nil {
		return nil, fmt.Errorf("failed to find %s identity: %w", provider, err)
	}
	return i, nil
}

// Create は既存ユーザーに別のサインイン手段を紐付ける。
func (r *PostgresIdentityRepo) Create(ctx context.Context, identity *model.Identity) error {
	if err := insertIdentity(ctx, r.db, identity); err != nil {
		return fmt.Errorf("failed to create %s identity: %w", identity.Provider, err)
	}
	return nil
}

// PostgresSessionRepo はsessionsテーブルのリポジトリ。
// 期限切れの行はcleanupジョブが消すまで残るが、FindByIDは返さない。
type PostgresSessionRepo struct {
	db *sql.DB
}

func NewPostgresSessionRepo(db *sql.DB) *PostgresSessionRepo {
	return &PostgresSessionRepo{db: db}
}

func (r *PostgresSessionRepo) Create(ctx context.Context, s *model.Session) error {
	if _, err := r.db.ExecContext(ctx,
		`INSERT INTO sessions (id, user_id, expires_at, created_at) VALUES ($1, $2, $3, $4)`,
		s.ID, s.UserID, s.ExpiresAt, s.CreatedAt,
	); err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// FindByID はセッションにユーザーのメールアドレスを付けて返す。
func (r *PostgresSessionRepo) FindByID(ctx context.Context, id string) (*model.Session, error) {
	s, err := findOne(r.db.QueryRowContext(ctx,
		`SELECT s.id, s.user_id, u.email, s.expires_at, s.created_at
		 FROM sessions s JOIN users u ON u.id = s.user_id
		 WHERE s.id = $1 AND s.expires_at > now()`, id),
		func(row rowScanner) (*model.Session, error) {
			s := &model.Session{}
			err := row.Scan(&s.ID, &s.UserID, &s.Email, &s.ExpiresAt, &s.CreatedAt)
			return s, err
		})
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}
	return s, nil
}

func (r *PostgresSessionRepo) DeleteByID(ctx context.Context, id string) error {
	return r.deleteWhere(ctx, "id", id)
}

// DeleteByUserID はユーザーの全端末をサインアウトさせる。
func (r *PostgresSessionRepo) DeleteByUserID(ctx context.Context, userID string) error {
	return r.deleteWhere(ctx, "user_id", userID)
}

func (r *PostgresSessionRepo) deleteWhere(ctx context.Context, column, value string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE `+column+` = $1`, value); err != nil {
		return fmt.Errorf("failed to delete sessions by %s: %w", column, err)
	}
	return nil
}

var (
	_ UserRepository     = (*PostgresUserRepo)(nil)
	_ IdentityRepository = (*PostgresIdentityRepo)(nil)
	_ SessionRepository  = (*PostgresSessionRepo)(nil)
)
