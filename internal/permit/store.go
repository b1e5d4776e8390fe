package permit

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hitoshi/pescadash/internal/repository"
)

// Store は解析済みシートを永続化する。
type Store struct {
	db   repository.TxBeginner
	repo repository.PermitRepository
}

// NewStore はStoreを生成する。
func NewStore(db repository.TxBeginner, repo repository.PermitRepository) *Store {
	return &Store{db: db, repo: repo}
}

// ReplaceResult はReplaceの結果。
type ReplaceResult struct {
	Upserted int
	Deleted  int64
}

// Replace はシートの全行を行番号キーでUPSERTし、シートから消えた末尾の行を削除する。
// 1トランザクションで実行するため、集計APIが取り込み途中の状態を見ることはない。
func (s *Store) Replace(ctx context.Context, sheet *Sheet) (*ReplaceResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("トランザクション開始に失敗: %w", err)
	}
	defer tx.Rollback()

	if err := s.repo.UpsertBatch(ctx, tx, sheet.Records); err != nil {
		return nil, fmt.Errorf("許可証のUPSERTに失敗: %w", err)
	}
	deleted, err := s.repo.DeleteAfterRow(ctx, tx, sheet.LastRow)
	if err != nil {
		return nil, fmt.Errorf("末尾行の削除に失敗: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("トランザクションのコミットに失敗: %w", err)
	}

	slog.Info("許可証の取り込み完了",
		"upserted", len(sheet.Records),
		"deleted", deleted,
		"last_row", sheet.LastRow,
	)
	return &ReplaceResult{Upserted: len(sheet.Records), Deleted: deleted}, nil
}
