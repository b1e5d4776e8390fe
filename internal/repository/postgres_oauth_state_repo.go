package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/pescadash/internal/model"
)

// PostgresOAuthStateRepo はPostgreSQLを使用したOAuth stateリポジトリ。
type PostgresOAuthStateRepo struct {
	db *sql.DB
}

// NewPostgresOAuthStateRepo はPostgresOAuthStateRepoを生成する。
func NewPostgresOAuthStateRepo(db *sql.DB) *PostgresOAuthStateRepo {
	return &PostgresOAuthStateRepo{db: db}
}

// Create はstateを作成する。
func (r *PostgresOAuthStateRepo) Create(ctx context.Context, state *model.OAuthState) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO oauth_states (state, provider, expires_at, created_at)
		 VALUES ($1, $2, $3, $4)`,
		state.State, state.Provider, state.ExpiresAt, state.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create oauth state: %w", err)
	}
	return nil
}

// FindByState は有効期限内のstateを取得する。見つからない場合はnilを返す。
func (r *PostgresOAuthStateRepo) FindByState(ctx context.Context, state string) (*model.OAuthState, error) {
	s := &model.OAuthState{}
	var sessionID sql.NullString
	err := r.db.QueryRowContext(ctx,
		`SELECT state, provider, session_id, expires_at, created_at
		 FROM oauth_states
		 WHERE state = $1 AND expires_at > now()`,
		state,
	).Scan(&s.State, &s.Provider, &sessionID, &s.ExpiresAt, &s.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find oauth state: %w", err)
	}

	s.SessionID = nullStringValue(sessionID)
	return s, nil
}

// Complete はstateに発行済みセッションを紐付ける。
func (r *PostgresOAuthStateRepo) Complete(ctx context.Context, state, sessionID string) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE oauth_states SET session_id = $2
		 WHERE state = $1 AND session_id IS NULL AND expires_at > now()`,
		state, sessionID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to complete oauth state: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

// Delete はstateを削除する。
func (r *PostgresOAuthStateRepo) Delete(ctx context.Context, state string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM oauth_states WHERE state = $1`,
		state,
	)
	if err != nil {
		return fmt.Errorf("failed to delete oauth state: %w", err)
	}
	return nil
}

// compile-time interface check
var _ OAuthStateRepository = (*PostgresOAuthStateRepo)(nil)
