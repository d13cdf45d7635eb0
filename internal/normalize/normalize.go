package normalize

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/probeops/gateway/pkg/token"
)

// ErrUnsupportedEncoding はボディを正規形に変換できなかったことを表す。
var ErrUnsupportedEncoding = errors.New("ボディのエンコーディングを正規化できない")

// Encoding はボディのエンコーディング形式。
type Encoding string

const (
	// EncodingNone はボディが存在しないことを表す。
	EncodingNone Encoding = "none"
	// EncodingJSON はapplication/jsonを表す。
	EncodingJSON Encoding = "json"
	// EncodingForm はapplication/x-www-form-urlencodedを表す。
	EncodingForm Encoding = "form"
)

// Class は正規化後のパスから導出されるルート分類。
type Class string

const (
	// ClassLogin はログインエンドポイント。認証不要。
	ClassLogin Class = "login"
	// ClassPublicAsset は公開アセット。認証不要。
	ClassPublicAsset Class = "public_asset"
	// ClassProtectedUser は認証必須の一般ルート。
	ClassProtectedUser Class = "protected_user"
	// ClassProtectedAdmin は管理者権限必須のルート。
	ClassProtectedAdmin Class = "protected_admin"
)

// Request は正規化済みリクエスト。
// パイプライン（正規化→認可→転送）の内部表現として使用する。
type Request struct {
	// Method はHTTPメソッド。
	Method string
	// CanonicalPath は正規化後のパス。/api/apiのような重複プレフィックスを含まない。
	CanonicalPath string
	// RawQuery はクエリ文字列（?以降、エンコード済み）。
	RawQuery string
	// Rule は適用されたパス書き換えルール名。ログ用。
	Rule string
	// Class はルート分類。
	Class Class
	// BodyEncoding は転送時に有効なボディのエンコーディング。
	BodyEncoding Encoding
	// Body は転送するボディ。nilの場合はボディなし。
	Body io.Reader
	// ContentType は転送時のContent-Typeヘッダー値。
	ContentType string
	// ContentLength は転送時のボディ長。不明の場合は-1。
	ContentLength int64
	// Authorization はAuthorizationヘッダーの生の値。
	// Auth Enforcerが検証・差し替えを行う。
	Authorization string
}

// rule はパス書き換えルール。matchが真を返した最初のルールのrewriteだけが適用される。
type rule struct {
	// name はルール名。ログとテストで参照する。
	name string
	// match はこのルールを適用するかどうかを判定する。
	match func(path string, admin bool) bool
	// rewrite は正規化後のパスを返す。
	rewrite func(path string, admin bool) string
}

// rules は順序付きの書き換えテーブル。上から順に評価する。
var rules = []rule{
	{
		// /loginを含むパスは正確に/loginへ正規化する
		name:    "login",
		match:   func(p string, _ bool) bool { return strings.Contains(p, "/login") },
		rewrite: func(_ string, _ bool) string { return "/login" },
	},
	{
		// 重複した/api/apiプレフィックスを単一の/apiに畳み込む
		name:  "collapse-api",
		match: func(p string, _ bool) bool { return hasPathPrefix(p, "/api/api") },
		rewrite: func(p string, _ bool) string {
			for hasPathPrefix(p, "/api/api") {
				p = strings.TrimPrefix(p, "/api")
			}
			return p
		},
	},
	{
		// /adminを含むパスは/apiプレフィックスをちょうど1つ持たせる
		name:  "admin",
		match: func(p string, _ bool) bool { return hasSegment(p, "admin") },
		rewrite: func(p string, _ bool) string {
			if hasPathPrefix(p, "/api") {
				return p
			}
			return "/api" + p
		},
	},
	{
		// /users/meを含むパスは正確に/users/meへ正規化する
		name:    "users-me",
		match:   func(p string, _ bool) bool { return strings.Contains(p, "/users/me") },
		rewrite: func(_ string, _ bool) string { return "/users/me" },
	},
	{
		// /probesは呼び出し元が管理者の場合のみ/apiプレフィックスを付与する
		name:  "probes",
		match: func(p string, _ bool) bool { return strings.Contains(p, "/probes") },
		rewrite: func(p string, admin bool) string {
			if admin && !hasPathPrefix(p, "/api") {
				return "/api" + p
			}
			return p
		},
	},
	{
		// 単独の/apiプレフィックスは取り除く
		name:  "strip-api",
		match: func(p string, _ bool) bool { return hasPathPrefix(p, "/api") },
		rewrite: func(p string, _ bool) string {
			p = strings.TrimPrefix(p, "/api")
			if p == "" {
				return "/"
			}
			return p
		},
	},
	{
		// 上記いずれにも一致しないパスはそのまま
		name:    "passthrough",
		match:   func(_ string, _ bool) bool { return true },
		rewrite: func(p string, _ bool) string { return p },
	},
}

// hasPathPrefix はパスがprefixで始まり、かつセグメント境界で区切れているかを判定する。
// "/apifoo"のような部分一致は偽を返す。
func hasPathPrefix(path, prefix string) bool {
	if path == prefix {
		return true
	}
	return strings.HasPrefix(path, prefix+"/")
}

// hasSegment はパスにセグメントnameが含まれるかを判定する。
func hasSegment(path, name string) bool {
	for _, seg := range strings.Split(path, "/") {
		if seg == name {
			return true
		}
	}
	return false
}

// CanonicalPath はパス書き換えテーブルを適用し、正規化後のパスと
// 適用されたルール名を返す。adminは呼び出し元が管理者権限を持つかどうか。
func CanonicalPath(path string, admin bool) (string, string) {
	if path == "" {
		path = "/"
	}
	for _, r := range rules {
		if r.match(path, admin) {
			return r.rewrite(path, admin), r.name
		}
	}
	// passthroughルールがあるためここには到達しない
	return path, "passthrough"
}

// publicAssetPaths は認証不要の公開アセットパス（完全一致）。
var publicAssetPaths = map[string]struct{}{
	"/health":      {},
	"/metrics":     {},
	"/favicon.ico": {},
}

// publicAssetPrefixes は認証不要の公開アセットパス（前方一致）。
var publicAssetPrefixes = []string{"/static/", "/assets/"}

// Classify は正規化後のパスからルート分類を導出する。
func Classify(canonicalPath string) Class {
	if canonicalPath == "/login" {
		return ClassLogin
	}
	if _, ok := publicAssetPaths[canonicalPath]; ok {
		return ClassPublicAsset
	}
	for _, prefix := range publicAssetPrefixes {
		if strings.HasPrefix(canonicalPath, prefix) {
			return ClassPublicAsset
		}
	}
	if hasSegment(canonicalPath, "admin") {
		return ClassProtectedAdmin
	}
	return ClassProtectedUser
}

// Normalizer は受信リクエストを正規形に変換する。
type Normalizer struct {
	// tokens は/probesルールの権限導出に使用するトークンサービス。
	tokens *token.Service
}

// New は新しいNormalizerを生成する。
func New(tokens *token.Service) *Normalizer {
	return &Normalizer{tokens: tokens}
}

// Normalize は生のHTTPリクエストからNormalizedRequestを構築する。
// パス・ボディ・Content-Typeが欠けていてもエラーにせず、書き換え不要として扱う。
// ログインボディが壊れている場合のみErrUnsupportedEncodingを返す。
func (n *Normalizer) Normalize(r *http.Request) (*Request, error) {
	authHeader := r.Header.Get("Authorization")
	canonical, ruleName := CanonicalPath(r.URL.Path, n.isAdminCaller(authHeader))

	req := &Request{
		Method:        r.Method,
		CanonicalPath: canonical,
		RawQuery:      r.URL.RawQuery,
		Rule:          ruleName,
		Class:         Classify(canonical),
		BodyEncoding:  encodingOf(r.Header.Get("Content-Type")),
		Body:          r.Body,
		ContentType:   r.Header.Get("Content-Type"),
		ContentLength: r.ContentLength,
		Authorization: authHeader,
	}
	if r.Body == nil || r.ContentLength == 0 {
		req.BodyEncoding = EncodingNone
		req.Body = nil
		req.ContentLength = 0
	}

	// バックエンドのログインはフォームエンコードのみ受け付けるため、
	// POST /loginのボディをusernameとpasswordだけのフォームに変換する
	if req.Class == ClassLogin && r.Method == http.MethodPost {
		if err := n.repairLoginBody(r, req); err != nil {
			return nil, err
		}
	}

	return req, nil
}

// isAdminCaller はBearerトークンを検証し、管理者権限を持つ呼び出し元かを判定する。
// 検証に失敗したトークンは匿名の呼び出し元と同様に扱う。
// 署名検証前のクレームをルーティング判断に使うことはない。
func (n *Normalizer) isAdminCaller(authHeader string) bool {
	tokenStr, found := strings.CutPrefix(authHeader, "Bearer ")
	if !found {
		return false
	}
	claims, err := n.tokens.Verify(tokenStr)
	if err != nil {
		return false
	}
	return claims.IsAdmin
}

// repairLoginBody はログインボディをusernameとpasswordのみの
// application/x-www-form-urlencoded形式に変換する。
// それ以外のフィールドは意図的に破棄する（ログイン契約の絞り込み）。
func (n *Normalizer) repairLoginBody(r *http.Request, req *Request) error {
	if req.BodyEncoding == EncodingNone {
		return nil
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		return ErrUnsupportedEncoding
	}

	var username, password string
	switch req.BodyEncoding {
	case EncodingJSON:
		var fields map[string]any
		if err := json.Unmarshal(body, &fields); err != nil {
			return ErrUnsupportedEncoding
		}
		username, _ = fields["username"].(string)
		password, _ = fields["password"].(string)
	case EncodingForm:
		values, err := url.ParseQuery(string(body))
		if err != nil {
			return ErrUnsupportedEncoding
		}
		username = values.Get("username")
		password = values.Get("password")
	default:
		// 未知のContent-Typeは書き換えずに通す
		return nil
	}

	// バックエンドのフォームパーサはフィールド順に依存しないが、
	// 既存のログイン契約（username, passwordの順）を維持する
	encoded := "username=" + url.QueryEscape(username) + "&password=" + url.QueryEscape(password)

	req.Body = strings.NewReader(encoded)
	req.BodyEncoding = EncodingForm
	req.ContentType = "application/x-www-form-urlencoded"
	req.ContentLength = int64(len(encoded))
	return nil
}

// encodingOf はContent-Typeヘッダーからエンコーディングを判定する。
func encodingOf(contentType string) Encoding {
	mediaType := strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0])
	switch strings.ToLower(mediaType) {
	case "application/json":
		return EncodingJSON
	case "application/x-www-form-urlencoded":
		return EncodingForm
	case "":
		return EncodingNone
	default:
		return EncodingNone
	}
}
