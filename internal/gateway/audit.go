package gateway

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/probeops/gateway/pkg/token"
)

// AuditReason はトークンが監査ログに記録された理由。
type AuditReason string

const (
	// AuditReasonInjected は信頼された内部呼び出しへの管理者トークン自動注入。
	AuditReasonInjected AuditReason = "injected"
	// AuditReasonProbeIssued はプローブ設定用トークンの明示的な発行。
	AuditReasonProbeIssued AuditReason = "probe_issued"
)

// AuditEntry はトークン監査ログの1レコード。
type AuditEntry struct {
	// ID はレコードの一意識別子。
	ID string `json:"id"`
	// Subject はトークンの主体。
	Subject string `json:"subject"`
	// Role はトークンの権限レベル。
	Role string `json:"role"`
	// Reason は記録理由。
	Reason AuditReason `json:"reason"`
	// Path はトークン発行の契機となったリクエストパス。
	Path string `json:"path"`
	// CreatedAt は記録日時。
	CreatedAt time.Time `json:"created_at"`
}

// AuditStore は自動発行されたトークンの監査ログを管理する。
// ゲートウェイが発行したすべてのトークンは転送前にここへ記録される。
type AuditStore struct {
	// db はSQLiteデータベース接続。
	db *sql.DB
}

// NewAuditStore は新しいAuditStoreを生成する。
func NewAuditStore(db *sql.DB) *AuditStore {
	return &AuditStore{db: db}
}

// Record はトークン発行を監査ログに記録し、レコードIDを返す。
func (s *AuditStore) Record(ctx context.Context, subject string, role token.Role, reason AuditReason, path string) (string, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO token_audit (id, subject, role, reason, path) VALUES (?, ?, ?, ?, ?)",
		id, subject, string(role), string(reason), path,
	)
	if err != nil {
		return "", fmt.Errorf("監査ログの記録に失敗: %w", err)
	}
	return id, nil
}

// Recent は新しい順に最大limit件の監査ログを取得する。
func (s *AuditStore) Recent(ctx context.Context, limit int) ([]AuditEntry, error) {
	// 同一秒内のレコードはrowidで挿入順を保証する
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, subject, role, reason, path, created_at FROM token_audit ORDER BY created_at DESC, rowid DESC LIMIT ?",
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("監査ログの取得に失敗: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []AuditEntry
	for rows.Next() {
		var e AuditEntry
		// DATETIME宣言された列はドライバがtime.Timeとして返す
		if err := rows.Scan(&e.ID, &e.Subject, &e.Role, &e.Reason, &e.Path, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("監査ログの読み取りに失敗: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
