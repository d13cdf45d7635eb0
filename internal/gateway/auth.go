package gateway

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/probeops/gateway/internal/normalize"
	"github.com/probeops/gateway/pkg/token"
)

// authState はAuth Enforcerの状態機械における1リクエストの認可状態。
type authState string

const (
	// stateNoAuthRequired はログイン・公開アセット等の認証不要ルート。
	stateNoAuthRequired authState = "no_auth_required"
	// stateAuthPresent は有効なトークンが提示された状態。
	stateAuthPresent authState = "auth_present"
	// stateAuthMissing はトークンが必要だが提示されなかった状態。
	stateAuthMissing authState = "auth_missing"
	// stateAuthInvalid は提示されたトークンの検証に失敗した状態。
	stateAuthInvalid authState = "auth_invalid"
	// stateAuthInjected は信頼された内部呼び出しに管理者トークンを自動注入した状態。
	stateAuthInjected authState = "auth_injected"
)

// injectedSubject は自動注入トークンの主体名。
const injectedSubject = "internal-service"

// contextKeyClaims はGinコンテキストに検証済みクレームを格納するキー。
const contextKeyClaims = "claims"

// enforce はAuth Enforcerの状態機械を実行する。
// 戻り値の真偽値が偽の場合はエラーレスポンス送信済みであり、
// リクエストをバックエンドに転送してはならない。
func (s *Server) enforce(c *gin.Context, req *normalize.Request) (authState, bool) {
	// ログインと公開アセットはヘッダーの有無にかかわらず通す
	if req.Class == normalize.ClassLogin || req.Class == normalize.ClassPublicAsset {
		return stateNoAuthRequired, true
	}

	if req.Authorization != "" {
		claims, ok := s.verifyHeader(c, req.Authorization)
		if !ok {
			return stateAuthInvalid, false
		}

		// 管理者ルートには管理者権限のクレームが必要
		if req.Class == normalize.ClassProtectedAdmin && !claims.IsAdmin {
			c.JSON(http.StatusForbidden, gin.H{"detail": "Forbidden"})
			return stateAuthPresent, false
		}

		c.Set(contextKeyClaims, claims)
		return stateAuthPresent, true
	}

	// ヘッダーなし。管理者ルートへの信頼された内部呼び出しに限り
	// 管理者トークンを自動注入する（明示的な設定フラグで有効化時のみ）
	if req.Class == normalize.ClassProtectedAdmin && s.cfg.TrustedCallerEnabled {
		injected, err := s.tokens.Issue(injectedSubject, token.RoleAdmin)
		if err != nil {
			s.logger.Error().Err(err).Msg("管理者トークンの自動注入に失敗")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token_injection_failed"})
			return stateAuthMissing, false
		}

		// 注入は必ず監査ログに残す。記録できない場合は注入しない
		auditID, err := s.audit.Record(c.Request.Context(), injectedSubject, token.RoleAdmin, AuditReasonInjected, req.CanonicalPath)
		if err != nil {
			s.logger.Error().Err(err).Msg("トークン注入の監査記録に失敗")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token_injection_failed"})
			return stateAuthMissing, false
		}

		req.Authorization = "Bearer " + injected
		s.logger.Warn().
			Str("audit_id", auditID).
			Str("path", req.CanonicalPath).
			Msg("信頼された内部呼び出しに管理者トークンを自動注入")
		return stateAuthInjected, true
	}

	c.JSON(http.StatusUnauthorized, gin.H{"detail": "Not authenticated"})
	return stateAuthMissing, false
}

// verifyHeader はAuthorizationヘッダーを検証し、成功時のみクレームを返す。
// 失敗時は安定したJSON形式の401レスポンスを送信する。
func (s *Server) verifyHeader(c *gin.Context, authHeader string) (*token.Claims, bool) {
	tokenStr, found := strings.CutPrefix(authHeader, "Bearer ")
	if !found {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "malformed_token"})
		return nil, false
	}

	claims, err := s.tokens.Verify(tokenStr)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": errorCode(err)})
		return nil, false
	}
	return claims, true
}

// errorCode はトークン検証エラーをレスポンスのerrorフィールド値に変換する。
func errorCode(err error) string {
	switch {
	case errors.Is(err, token.ErrExpired):
		return "token_expired"
	case errors.Is(err, token.ErrMalformedToken):
		return "malformed_token"
	default:
		return "invalid_token"
	}
}

// requireAdmin はゲートウェイ自身の運用エンドポイントを保護するGinミドルウェアを返す。
// 有効な管理者トークンを持たないリクエストを拒否する。
func (s *Server) requireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"detail": "Not authenticated"})
			return
		}

		tokenStr, found := strings.CutPrefix(authHeader, "Bearer ")
		if !found {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "malformed_token"})
			return
		}

		claims, err := s.tokens.Verify(tokenStr)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errorCode(err)})
			return
		}
		if !claims.IsAdmin {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"detail": "Forbidden"})
			return
		}

		c.Set(contextKeyClaims, claims)
		c.Next()
	}
}

// claimsFrom はGinコンテキストから検証済みクレームを取得する。
func claimsFrom(c *gin.Context) *token.Claims {
	v, _ := c.Get(contextKeyClaims)
	if claims, ok := v.(*token.Claims); ok {
		return claims
	}
	return nil
}
