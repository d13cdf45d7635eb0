package gateway

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/probeops/gateway/internal/config"
	"github.com/probeops/gateway/internal/normalize"
	"github.com/probeops/gateway/internal/proxy"
	"github.com/probeops/gateway/pkg/middleware"
	"github.com/probeops/gateway/pkg/migration"
	"github.com/probeops/gateway/pkg/token"
)

//go:embed migrations/*.up.sql
var migrationFiles embed.FS

// Server は認証ゲートウェイのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// cfg はゲートウェイの不変設定。
	cfg *config.Config
	// logger は構造化ロガー。
	logger zerolog.Logger
	// tokens はトークンの発行・検証サービス。
	tokens *token.Service
	// normalizer は受信リクエストの正規化処理。
	normalizer *normalize.Normalizer
	// forwarder はバックエンドへの転送処理。
	forwarder *proxy.Forwarder
	// audit はトークン監査ログストア。
	audit *AuditStore
	// db は監査ログ用SQLiteデータベース接続。
	db *sql.DB
}

// NewServer は新しいゲートウェイサーバーを生成する。
func NewServer(cfg *config.Config, logger zerolog.Logger) (*Server, error) {
	db, err := openAuditDB(cfg.AuditDBPath)
	if err != nil {
		return nil, fmt.Errorf("監査データベース接続に失敗: %w", err)
	}

	if err := migration.Run(db, migrationFiles, "migrations", logger); err != nil {
		return nil, fmt.Errorf("監査データベースのマイグレーションに失敗: %w", err)
	}

	tokens := token.NewService(cfg.JWTSecret,
		token.WithTTL(cfg.TokenTTL),
		token.WithProbeTTL(cfg.ProbeTokenTTL),
	)

	forwarder := proxy.New(proxy.Config{
		BackendURL:            cfg.BackendURL,
		StripAPIPrefix:        cfg.BackendStripsAPIPrefix,
		RepairJSON:            cfg.RepairJSON,
		ConnectTimeout:        cfg.BackendConnectTimeout,
		ResponseHeaderTimeout: cfg.BackendTimeout,
		Logger:                logger,
	})

	router := gin.New()
	router.Use(middleware.Recovery(logger))
	router.Use(middleware.RequestLog(logger))
	router.Use(middleware.CORS([]string{cfg.FrontendURL}))
	router.Use(middleware.Metrics())

	s := &Server{
		router:     router,
		cfg:        cfg,
		logger:     logger,
		tokens:     tokens,
		normalizer: normalize.New(tokens),
		forwarder:  forwarder,
		audit:      NewAuditStore(db),
		db:         db,
	}
	s.setupRoutes()

	return s, nil
}

// openAuditDB は監査ログ用のSQLiteデータベースを開く。
func openAuditDB(path string) (*sql.DB, error) {
	dsn := path
	if path != ":memory:" {
		dsn += "?_journal_mode=WAL&_busy_timeout=5000"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// SQLiteは単一ライターのため接続を1本に限定する。
	// :memory:では接続ごとに別のデータベースになることも防ぐ
	db.SetMaxOpenConns(1)
	return db, nil
}

// Run はHTTPサーバーを起動する。
func (s *Server) Run() error {
	return s.router.Run(fmt.Sprintf(":%s", s.cfg.Port))
}

// Close は監査データベース接続を閉じる。
func (s *Server) Close() error {
	return s.db.Close()
}

// setupRoutes はAPIルーティングを設定する。
// 明示的なルートはゲートウェイ自身の運用エンドポイントのみで、
// それ以外のすべてのリクエストはキャッチオールで正規化→認可→転送される。
func (s *Server) setupRoutes() {
	// ヘルスチェック
	s.router.GET("/health", s.handleHealth())

	// Prometheusメトリクス
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// 運用エンドポイント（管理者トークン必須）
	internal := s.router.Group("/internal")
	internal.Use(s.requireAdmin())
	{
		internal.POST("/tokens/probe", s.handleIssueProbeToken())
		internal.GET("/audit", s.handleListAudit())
	}

	// キャッチオール: 正規化→認可→転送のパイプライン
	s.router.NoRoute(s.handleForward())
}

// handleHealth はヘルスチェックのハンドラを返す。
func (s *Server) handleHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	}
}

// handleForward はキャッチオールのリクエストパイプラインを実行するハンドラを返す。
func (s *Server) handleForward() gin.HandlerFunc {
	return func(c *gin.Context) {
		req, err := s.normalizer.Normalize(c.Request)
		if err != nil {
			if errors.Is(err, normalize.ErrUnsupportedEncoding) {
				c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported_encoding"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "normalization_failed"})
			return
		}

		state, ok := s.enforce(c, req)
		if !ok {
			return
		}

		s.logger.Debug().
			Str("request_id", middleware.GetRequestID(c)).
			Str("path", c.Request.URL.Path).
			Str("canonical_path", req.CanonicalPath).
			Str("rule", req.Rule).
			Str("class", string(req.Class)).
			Str("auth_state", string(state)).
			Msg("リクエストを転送")

		s.forwarder.Forward(c, req)
	}
}

// probeTokenRequest はプローブ設定用トークン発行リクエストのボディ。
type probeTokenRequest struct {
	// Subject はトークンの主体。省略時は自動採番する。
	Subject string `json:"subject"`
}

// handleIssueProbeToken はプローブ設定用の長寿命トークンを発行するハンドラを返す。
// 発行はすべて監査ログに記録される。
func (s *Server) handleIssueProbeToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		// ボディは省略可能だが、与えられた場合は正しいJSONであること
		var body probeTokenRequest
		if err := c.ShouldBindJSON(&body); err != nil && !errors.Is(err, io.EOF) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request_body"})
			return
		}

		subject := body.Subject
		if subject == "" {
			subject = "probe-" + uuid.NewString()
		}

		tokenStr, err := s.tokens.IssueProbe(subject)
		if err != nil {
			s.logger.Error().Err(err).Msg("プローブ設定用トークンの発行に失敗")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
			return
		}

		auditID, err := s.audit.Record(c.Request.Context(), subject, token.RoleStandard, AuditReasonProbeIssued, c.Request.URL.Path)
		if err != nil {
			s.logger.Error().Err(err).Msg("トークン発行の監査記録に失敗")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
			return
		}

		issuedBy := ""
		if claims := claimsFrom(c); claims != nil {
			issuedBy = claims.Subject
		}
		s.logger.Info().
			Str("audit_id", auditID).
			Str("subject", subject).
			Str("issued_by", issuedBy).
			Msg("プローブ設定用トークンを発行")

		claims, err := s.tokens.DecodeUnsafe(tokenStr)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"access_token": tokenStr,
			"token_type":   "bearer",
			"subject":      subject,
			"expires_at":   claims.ExpiresAt.Time.UTC().Format(time.RFC3339),
		})
	}
}

// handleListAudit はトークン監査ログを新しい順に返すハンドラを返す。
func (s *Server) handleListAudit() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := 50
		if v := c.Query("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
				return
			}
			limit = min(n, 500)
		}

		entries, err := s.audit.Recent(c.Request.Context(), limit)
		if err != nil {
			s.logger.Error().Err(err).Msg("監査ログの取得に失敗")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "audit_query_failed"})
			return
		}
		if entries == nil {
			entries = []AuditEntry{}
		}

		c.JSON(http.StatusOK, gin.H{
			"entries": entries,
			"count":   len(entries),
		})
	}
}
