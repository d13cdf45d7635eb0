package token

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Role はトークンが表す権限レベル。
type Role string

const (
	// RoleStandard は一般ユーザー権限を表す。
	RoleStandard Role = "standard"
	// RoleAdmin は管理者権限を表す。
	RoleAdmin Role = "admin"
)

// Class はトークンクラスを表す。
type Class string

const (
	// ClassStandard は対話的クライアント向けの通常トークン（TTL 24時間）。
	ClassStandard Class = "standard"
	// ClassProbe は非対話的クライアント向けの長寿命トークン（TTL 30日）。
	ClassProbe Class = "probe"
)

// issuer はトークンのiss（発行者）クレームに設定する値。
const issuer = "probeops-gateway"

// 検証エラーの分類。呼び出し元はerrors.Isで判別する。
var (
	// ErrMalformedToken はトークンが3セグメント形式でない等、構造が不正であることを表す。
	ErrMalformedToken = errors.New("トークンの形式が不正")
	// ErrInvalidSignature は署名の再計算結果が一致しないことを表す。
	ErrInvalidSignature = errors.New("トークンの署名が不正")
	// ErrExpired はトークンの有効期限が切れていることを表す。
	ErrExpired = errors.New("トークンの有効期限切れ")
)

// Claims はトークンのペイロードを表す。
// 署名検証に成功した場合のみAuth Enforcerに渡される。
type Claims struct {
	jwt.RegisteredClaims
	// IsAdmin は管理者権限を持つかどうか。
	IsAdmin bool `json:"is_admin"`
	// TokenClass はトークンクラス（standard / probe）。
	TokenClass Class `json:"token_class"`
}

// Role はクレームから権限レベルを導出する。
func (c *Claims) Role() Role {
	if c.IsAdmin {
		return RoleAdmin
	}
	return RoleStandard
}

// Service はトークンの発行・検証を行うサービス。
// 署名秘密鍵は起動時に一度だけ設定され、以後変更されない。
type Service struct {
	// secret はHMAC-SHA256の署名秘密鍵。
	secret []byte
	// ttl は通常トークンの有効期間。
	ttl time.Duration
	// probeTTL はプローブ設定用トークンの有効期間。
	probeTTL time.Duration
	// now は現在時刻を返す関数。テストで差し替える。
	now func() time.Time
}

// Option はServiceの生成オプション。
type Option func(*Service)

// WithTTL は通常トークンの有効期間を設定する。
func WithTTL(ttl time.Duration) Option {
	return func(s *Service) { s.ttl = ttl }
}

// WithProbeTTL はプローブ設定用トークンの有効期間を設定する。
func WithProbeTTL(ttl time.Duration) Option {
	return func(s *Service) { s.probeTTL = ttl }
}

// WithClock は現在時刻の取得関数を差し替える。テスト用。
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService は新しいトークンサービスを生成する。
func NewService(secret string, opts ...Option) *Service {
	s := &Service{
		secret:   []byte(secret),
		ttl:      24 * time.Hour,
		probeTTL: 30 * 24 * time.Hour,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Issue は指定された主体と権限を持つ通常トークンを発行する。
func (s *Service) Issue(subject string, role Role) (string, error) {
	return s.issue(subject, role, ClassStandard, s.ttl)
}

// IssueProbe はプローブ設定用の長寿命トークンを発行する。
// 非対話的クライアント（プローブエージェント）向けで権限は一般ユーザー相当。
func (s *Service) IssueProbe(subject string) (string, error) {
	return s.issue(subject, RoleStandard, ClassProbe, s.probeTTL)
}

// issue はクレームを構築して署名する共通処理。
func (s *Service) issue(subject string, role Role, class Class, ttl time.Duration) (string, error) {
	now := s.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		IsAdmin:    role == RoleAdmin,
		TokenClass: class,
	}

	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := t.SignedString(s.secret)
	if err != nil {
		return "", err
	}
	return signed, nil
}

// Verify はトークン文字列を検証し、成功時のみクレームを返す。
// 失敗時はErrMalformedToken / ErrInvalidSignature / ErrExpiredの
// いずれかを返す。署名検証に成功するまでクレームを信用しない。
func (s *Service) Verify(tokenString string) (*Claims, error) {
	// header.payload.signature の3セグメント形式であること
	if strings.Count(tokenString, ".") != 2 {
		return nil, ErrMalformedToken
	}

	claims := &Claims{}
	t, err := jwt.ParseWithClaims(tokenString, claims, func(_ *jwt.Token) (any, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.now))
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenMalformed):
			return nil, ErrMalformedToken
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return nil, ErrInvalidSignature
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, ErrExpired
		default:
			return nil, ErrInvalidSignature
		}
	}
	if !t.Valid {
		return nil, ErrInvalidSignature
	}

	return claims, nil
}

// DecodeUnsafe は署名を検証せずにペイロードをデコードする。
// 障害調査用の診断ツール専用であり、認可判断には決して使用しないこと。
func (s *Service) DecodeUnsafe(tokenString string) (*Claims, error) {
	claims := &Claims{}
	if _, _, err := new(jwt.Parser).ParseUnverified(tokenString, claims); err != nil {
		return nil, ErrMalformedToken
	}
	return claims, nil
}
