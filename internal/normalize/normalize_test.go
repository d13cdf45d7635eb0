package normalize

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/probeops/gateway/pkg/token"
)

// testSecret はテスト用のトークン署名秘密鍵。
const testSecret = "test-secret-key"

// TestCanonicalPath はパス書き換えテーブルを検証する。
func TestCanonicalPath(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		path     string
		admin    bool
		want     string
		wantRule string
	}{
		{"loginを含むパスは/loginに正規化される", "/api/login", false, "/login", "login"},
		{"login単体はそのまま", "/login", false, "/login", "login"},
		{"loginの後続セグメントは除去される", "/api/auth/login/extra", false, "/login", "login"},
		{"重複した/apiプレフィックスは1つに畳み込まれる", "/api/api/admin/users", false, "/api/admin/users", "collapse-api"},
		{"3重の/apiプレフィックスも1つになる", "/api/api/api/users", false, "/api/users", "collapse-api"},
		{"/api/api単体は/apiになる", "/api/api", false, "/api", "collapse-api"},
		{"adminパスには/apiプレフィックスが付与される", "/admin/users", false, "/api/admin/users", "admin"},
		{"既に/api付きのadminパスはそのまま", "/api/admin/users", false, "/api/admin/users", "admin"},
		{"users/meは正確に/users/meに正規化される", "/api/users/me", false, "/users/me", "users-me"},
		{"users/meの後続セグメントは除去される", "/users/me/profile", false, "/users/me", "users-me"},
		{"probesは一般ユーザーではプレフィックスなし", "/probes", false, "/probes", "probes"},
		{"probesは管理者では/apiプレフィックスが付く", "/probes", true, "/api/probes", "probes"},
		{"既に/api付きのprobesは管理者でもそのまま", "/api/probes", true, "/api/probes", "probes"},
		{"/apiプレフィックスは取り除かれる", "/api/users", false, "/users", "strip-api"},
		{"/api単体は/になる", "/api", false, "/", "strip-api"},
		{"/apiで始まる別単語は書き換えられない", "/apikeys", false, "/apikeys", "passthrough"},
		{"一致しないパスはそのまま", "/health", false, "/health", "passthrough"},
		{"administratorsセグメントはadminとして扱われない", "/administrators", false, "/administrators", "passthrough"},
		{"空のパスは/として扱われる", "", false, "/", "passthrough"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, rule := CanonicalPath(tt.path, tt.admin)
			if got != tt.want {
				t.Errorf("CanonicalPath(%q, %v) = %q, want %q", tt.path, tt.admin, got, tt.want)
			}
			if rule != tt.wantRule {
				t.Errorf("適用ルール = %q, want %q", rule, tt.wantRule)
			}
		})
	}
}

// TestCanonicalPathIdempotent は正規化の冪等性を検証する。
// 正規化済みパスを再度正規化しても/api/apiが現れないこと。
func TestCanonicalPathIdempotent(t *testing.T) {
	t.Parallel()

	inputs := []string{
		"/api/api/users", "/api/api/api/admin", "/api/api", "/admin/settings",
		"/api/users", "/probes/123", "/users/me",
	}
	for _, input := range inputs {
		first, _ := CanonicalPath(input, false)
		if strings.Contains(first, "/api/api") {
			t.Errorf("CanonicalPath(%q) = %q に/api/apiが残っている", input, first)
		}
		second, _ := CanonicalPath(first, false)
		if strings.Contains(second, "/api/api") {
			t.Errorf("再正規化した%qに/api/apiが現れた", second)
		}
	}
}

// TestClassify はルート分類を検証する。
func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		path string
		want Class
	}{
		{"/login", ClassLogin},
		{"/health", ClassPublicAsset},
		{"/metrics", ClassPublicAsset},
		{"/favicon.ico", ClassPublicAsset},
		{"/static/app.js", ClassPublicAsset},
		{"/assets/logo.png", ClassPublicAsset},
		{"/api/admin/users", ClassProtectedAdmin},
		{"/admin", ClassProtectedAdmin},
		{"/users/me", ClassProtectedUser},
		{"/probes", ClassProtectedUser},
		{"/api/probes", ClassProtectedUser},
		{"/anything", ClassProtectedUser},
		{"/", ClassProtectedUser},
	}

	for _, tt := range tests {
		if got := Classify(tt.path); got != tt.want {
			t.Errorf("Classify(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}

// TestNormalizerNormalize はNormalizeの全体動作を検証する。
func TestNormalizerNormalize(t *testing.T) {
	t.Parallel()

	tokens := token.NewService(testSecret)
	n := New(tokens)

	t.Run("JSONログインボディがフォームエンコードに変換されること", func(t *testing.T) {
		t.Parallel()

		body := `{"username":"admin@probeops.com","password":"probeopS1@"}`
		r := httptest.NewRequest(http.MethodPost, "/api/login", strings.NewReader(body))
		r.Header.Set("Content-Type", "application/json")

		req, err := n.Normalize(r)
		if err != nil {
			t.Fatalf("Normalize()でエラーが発生: %v", err)
		}

		if req.CanonicalPath != "/login" {
			t.Errorf("CanonicalPath = %q, want %q", req.CanonicalPath, "/login")
		}
		if req.Class != ClassLogin {
			t.Errorf("Class = %q, want %q", req.Class, ClassLogin)
		}
		if req.BodyEncoding != EncodingForm {
			t.Errorf("BodyEncoding = %q, want %q", req.BodyEncoding, EncodingForm)
		}
		if req.ContentType != "application/x-www-form-urlencoded" {
			t.Errorf("ContentType = %q, want %q", req.ContentType, "application/x-www-form-urlencoded")
		}

		got, err := io.ReadAll(req.Body)
		if err != nil {
			t.Fatalf("ボディの読み込みに失敗: %v", err)
		}
		want := "username=admin%40probeops.com&password=probeopS1%40"
		if string(got) != want {
			t.Errorf("ボディ = %q, want %q", got, want)
		}
		if req.ContentLength != int64(len(want)) {
			t.Errorf("ContentLength = %d, want %d", req.ContentLength, len(want))
		}
	})

	t.Run("JSONログインボディの余計なフィールドが破棄されること", func(t *testing.T) {
		t.Parallel()

		body := `{"username":"user","password":"pass","remember_me":true,"csrf":"xyz"}`
		r := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(body))
		r.Header.Set("Content-Type", "application/json")

		req, err := n.Normalize(r)
		if err != nil {
			t.Fatalf("Normalize()でエラーが発生: %v", err)
		}

		got, _ := io.ReadAll(req.Body)
		if string(got) != "username=user&password=pass" {
			t.Errorf("ボディ = %q, want %q", got, "username=user&password=pass")
		}
	})

	t.Run("フォームログインボディもusernameとpasswordのみに絞られること", func(t *testing.T) {
		t.Parallel()

		body := "username=user&password=pass&extra=field"
		r := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(body))
		r.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		req, err := n.Normalize(r)
		if err != nil {
			t.Fatalf("Normalize()でエラーが発生: %v", err)
		}

		got, _ := io.ReadAll(req.Body)
		if string(got) != "username=user&password=pass" {
			t.Errorf("ボディ = %q, want %q", got, "username=user&password=pass")
		}
		if req.BodyEncoding != EncodingForm {
			t.Errorf("BodyEncoding = %q, want %q", req.BodyEncoding, EncodingForm)
		}
	})

	t.Run("壊れたJSONログインボディでErrUnsupportedEncodingが返ること", func(t *testing.T) {
		t.Parallel()

		r := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader("{broken"))
		r.Header.Set("Content-Type", "application/json")

		if _, err := n.Normalize(r); !errors.Is(err, ErrUnsupportedEncoding) {
			t.Errorf("Normalize() = %v, want ErrUnsupportedEncoding", err)
		}
	})

	t.Run("ボディなしのログインPOSTがエラーにならないこと", func(t *testing.T) {
		t.Parallel()

		r := httptest.NewRequest(http.MethodPost, "/login", nil)

		req, err := n.Normalize(r)
		if err != nil {
			t.Fatalf("Normalize()でエラーが発生: %v", err)
		}
		if req.BodyEncoding != EncodingNone {
			t.Errorf("BodyEncoding = %q, want %q", req.BodyEncoding, EncodingNone)
		}
	})

	t.Run("Content-Typeなしのリクエストがエラーにならないこと", func(t *testing.T) {
		t.Parallel()

		r := httptest.NewRequest(http.MethodPost, "/api/probes", strings.NewReader("raw-data"))

		req, err := n.Normalize(r)
		if err != nil {
			t.Fatalf("Normalize()でエラーが発生: %v", err)
		}
		if req.CanonicalPath != "/api/probes" {
			t.Errorf("CanonicalPath = %q, want %q", req.CanonicalPath, "/api/probes")
		}
	})

	t.Run("ログイン以外のJSONボディは書き換えられないこと", func(t *testing.T) {
		t.Parallel()

		body := `{"name":"probe-1"}`
		r := httptest.NewRequest(http.MethodPost, "/api/probes", strings.NewReader(body))
		r.Header.Set("Content-Type", "application/json")

		req, err := n.Normalize(r)
		if err != nil {
			t.Fatalf("Normalize()でエラーが発生: %v", err)
		}
		if req.BodyEncoding != EncodingJSON {
			t.Errorf("BodyEncoding = %q, want %q", req.BodyEncoding, EncodingJSON)
		}
		got, _ := io.ReadAll(req.Body)
		if string(got) != body {
			t.Errorf("ボディ = %q, want %q", got, body)
		}
	})

	t.Run("クエリ文字列が保持されること", func(t *testing.T) {
		t.Parallel()

		r := httptest.NewRequest(http.MethodGet, "/api/probes?status=active&limit=10", nil)

		req, err := n.Normalize(r)
		if err != nil {
			t.Fatalf("Normalize()でエラーが発生: %v", err)
		}
		if req.RawQuery != "status=active&limit=10" {
			t.Errorf("RawQuery = %q, want %q", req.RawQuery, "status=active&limit=10")
		}
	})

	t.Run("Authorizationヘッダーが保持されること", func(t *testing.T) {
		t.Parallel()

		r := httptest.NewRequest(http.MethodGet, "/api/users", nil)
		r.Header.Set("Authorization", "Bearer some-token")

		req, err := n.Normalize(r)
		if err != nil {
			t.Fatalf("Normalize()でエラーが発生: %v", err)
		}
		if req.Authorization != "Bearer some-token" {
			t.Errorf("Authorization = %q, want %q", req.Authorization, "Bearer some-token")
		}
	})
}

// TestNormalizerProbesRouting は/probesの権限依存ルーティングを検証する。
func TestNormalizerProbesRouting(t *testing.T) {
	t.Parallel()

	tokens := token.NewService(testSecret)
	n := New(tokens)

	t.Run("検証済み管理者トークンで/apiプレフィックスが付くこと", func(t *testing.T) {
		t.Parallel()

		adminToken, err := tokens.Issue("admin@probeops.com", token.RoleAdmin)
		if err != nil {
			t.Fatalf("Issue()でエラーが発生: %v", err)
		}

		r := httptest.NewRequest(http.MethodGet, "/probes", nil)
		r.Header.Set("Authorization", "Bearer "+adminToken)

		req, err := n.Normalize(r)
		if err != nil {
			t.Fatalf("Normalize()でエラーが発生: %v", err)
		}
		if req.CanonicalPath != "/api/probes" {
			t.Errorf("CanonicalPath = %q, want %q", req.CanonicalPath, "/api/probes")
		}
	})

	t.Run("一般ユーザートークンではプレフィックスが付かないこと", func(t *testing.T) {
		t.Parallel()

		userToken, err := tokens.Issue("user@probeops.com", token.RoleStandard)
		if err != nil {
			t.Fatalf("Issue()でエラーが発生: %v", err)
		}

		r := httptest.NewRequest(http.MethodGet, "/probes", nil)
		r.Header.Set("Authorization", "Bearer "+userToken)

		req, err := n.Normalize(r)
		if err != nil {
			t.Fatalf("Normalize()でエラーが発生: %v", err)
		}
		if req.CanonicalPath != "/probes" {
			t.Errorf("CanonicalPath = %q, want %q", req.CanonicalPath, "/probes")
		}
	})

	t.Run("改ざんされた管理者トークンはルーティングに影響しないこと", func(t *testing.T) {
		t.Parallel()

		// 異なる秘密鍵で署名した管理者クレームのトークン
		forged, err := token.NewService("attacker-secret").Issue("attacker", token.RoleAdmin)
		if err != nil {
			t.Fatalf("Issue()でエラーが発生: %v", err)
		}

		r := httptest.NewRequest(http.MethodGet, "/probes", nil)
		r.Header.Set("Authorization", "Bearer "+forged)

		req, err := n.Normalize(r)
		if err != nil {
			t.Fatalf("Normalize()でエラーが発生: %v", err)
		}
		if req.CanonicalPath != "/probes" {
			t.Errorf("CanonicalPath = %q, want %q（署名不正のトークンは匿名扱い）", req.CanonicalPath, "/probes")
		}
	})
}
