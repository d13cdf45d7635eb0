package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/probeops/gateway/internal/normalize"
)

// hopByHopHeaders は転送してはならないホップバイホップヘッダー。
var hopByHopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Config はForwarderの設定。
type Config struct {
	// BackendURL は転送先バックエンドのベースURL。
	BackendURL string
	// StripAPIPrefix は転送時に正規化パスの/apiプレフィックスを取り除くかどうか。
	StripAPIPrefix bool
	// RepairJSON はバックエンドの不正なJSONレスポンスを空のJSONに置き換えるかどうか。
	RepairJSON bool
	// ConnectTimeout はTCP接続確立の上限時間。
	ConnectTimeout time.Duration
	// ResponseHeaderTimeout は最初のレスポンスヘッダー受信の上限時間。
	ResponseHeaderTimeout time.Duration
	// Logger は転送エラーの記録に使用するロガー。
	Logger zerolog.Logger
}

// Forwarder はバックエンドへのリクエスト転送を行う。
// 全リクエストで接続プールを共有するため、プロセスごとに1つだけ生成する。
type Forwarder struct {
	// client は接続プールを持つHTTPクライアント。
	client *http.Client
	// backendURL は転送先のベースURL（末尾スラッシュなし）。
	backendURL string
	// stripAPIPrefix は/apiプレフィックスを取り除くかどうか。
	stripAPIPrefix bool
	// repairJSON は不正なJSONレスポンスの修復を行うかどうか。
	repairJSON bool
	// logger は転送エラーの記録用ロガー。
	logger zerolog.Logger
}

// New は新しいForwarderを生成する。
func New(cfg Config) *Forwarder {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: cfg.ConnectTimeout,
		}).DialContext,
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       90 * time.Second,
	}

	return &Forwarder{
		// レスポンスボディのストリーミングを妨げないため全体タイムアウトは設けない。
		// 接続と最初のヘッダー受信はTransport側で制限する
		client:         &http.Client{Transport: transport},
		backendURL:     strings.TrimSuffix(cfg.BackendURL, "/"),
		stripAPIPrefix: cfg.StripAPIPrefix,
		repairJSON:     cfg.RepairJSON,
		logger:         cfg.Logger,
	}
}

// Forward は正規化済みリクエストをバックエンドに転送し、
// レスポンスを呼び出し元にストリーミングで返す。
// 転送は一切リトライしない（任意メソッドの冪等性は保証されないため）。
func (f *Forwarder) Forward(c *gin.Context, req *normalize.Request) {
	target := f.backendURL + f.forwardPath(req.CanonicalPath)
	if req.RawQuery != "" {
		target += "?" + req.RawQuery
	}

	// 呼び出し元が切断した場合はコンテキスト経由でバックエンド呼び出しも中断される
	outbound, err := http.NewRequestWithContext(c.Request.Context(), req.Method, target, req.Body)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "proxy_request_failed"})
		return
	}

	f.copyInboundHeaders(outbound, c.Request.Header)
	if req.ContentType != "" {
		outbound.Header.Set("Content-Type", req.ContentType)
	}
	if req.Authorization != "" {
		outbound.Header.Set("Authorization", req.Authorization)
	}
	if req.ContentLength >= 0 {
		outbound.ContentLength = req.ContentLength
	}

	resp, err := f.client.Do(outbound)
	if err != nil {
		f.respondUnavailable(c, target, err)
		return
	}
	defer func() { _ = resp.Body.Close() }()

	f.relayResponse(c, resp)
}

// forwardPath は正規化パスから転送先パスを計算する。
// バックエンドがAPIをルート直下にマウントしている構成では/apiプレフィックスを取り除く。
func (f *Forwarder) forwardPath(canonicalPath string) string {
	if !f.stripAPIPrefix {
		return canonicalPath
	}
	if canonicalPath == "/api" {
		return "/"
	}
	if strings.HasPrefix(canonicalPath, "/api/") {
		return strings.TrimPrefix(canonicalPath, "/api")
	}
	return canonicalPath
}

// copyInboundHeaders は受信リクエストのヘッダーを転送リクエストにコピーする。
// ホップバイホップヘッダーと、正規化で再計算されるヘッダーは除外する。
func (f *Forwarder) copyInboundHeaders(outbound *http.Request, inbound http.Header) {
	for key, values := range inbound {
		switch http.CanonicalHeaderKey(key) {
		case "Authorization", "Content-Type", "Content-Length", "Host":
			continue
		}
		if isHopByHop(key) {
			continue
		}
		for _, v := range values {
			outbound.Header.Add(key, v)
		}
	}
}

// respondUnavailable はバックエンド接続失敗を502/504のJSONエラーに変換する。
func (f *Forwarder) respondUnavailable(c *gin.Context, target string, err error) {
	// 呼び出し元の切断による中断はエラーレスポンスを返す相手がいない
	if errors.Is(err, context.Canceled) {
		c.Abort()
		return
	}

	status := http.StatusBadGateway
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		status = http.StatusGatewayTimeout
	}

	f.logger.Error().Str("target", target).Err(err).Msg("バックエンドへの転送に失敗")
	c.JSON(status, gin.H{
		"error":   "backend_unavailable",
		"message": err.Error(),
	})
}

// relayResponse はバックエンドのレスポンスを呼び出し元に返す。
// ステータスコードはそのまま伝播し、ボディは受信順にストリーミングする。
func (f *Forwarder) relayResponse(c *gin.Context, resp *http.Response) {
	contentType := resp.Header.Get("Content-Type")

	if f.repairJSON && isJSONContentType(contentType) {
		f.relayJSON(c, resp, contentType)
		return
	}

	for key, values := range resp.Header {
		if isHopByHop(key) {
			continue
		}
		for _, v := range values {
			c.Writer.Header().Add(key, v)
		}
	}
	c.Status(resp.StatusCode)
	if _, err := io.Copy(c.Writer, resp.Body); err != nil {
		// ヘッダー送信後のため、ログに残して打ち切るしかない
		f.logger.Warn().Err(err).Msg("レスポンスボディの転送が中断")
	}
}

// relayJSON はJSONレスポンスをバッファリングして検証し、返却する。
// バックエンドが壊れたJSONを返した場合は空のJSONに置き換え、
// 呼び出し元のJSONパーサが壊れたバイト列で失敗しないようにする。
func (f *Forwarder) relayJSON(c *gin.Context, resp *http.Response, contentType string) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		f.logger.Error().Err(err).Msg("バックエンドレスポンスの読み取りに失敗")
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "backend_protocol_error",
			"message": err.Error(),
		})
		return
	}

	if len(body) > 0 && !json.Valid(body) {
		f.logger.Warn().
			Int("status", resp.StatusCode).
			Int("bytes", len(body)).
			Msg("バックエンドが不正なJSONを返したため空のJSONに置き換え")
		body = emptyJSONFor(body)
	}

	for key, values := range resp.Header {
		switch http.CanonicalHeaderKey(key) {
		case "Content-Length", "Content-Type":
			// ボディを書き換えた可能性があるため再計算する
			continue
		}
		if isHopByHop(key) {
			continue
		}
		for _, v := range values {
			c.Writer.Header().Add(key, v)
		}
	}
	c.Data(resp.StatusCode, contentType, body)
}

// emptyJSONFor は壊れたボディの先頭バイトから期待される形の空JSONを返す。
func emptyJSONFor(corrupt []byte) []byte {
	trimmed := strings.TrimLeft(string(corrupt), " \t\r\n")
	if strings.HasPrefix(trimmed, "[") {
		return []byte("[]")
	}
	return []byte("{}")
}

// isJSONContentType はContent-Typeがapplication/jsonかどうかを判定する。
func isJSONContentType(contentType string) bool {
	mediaType := strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0])
	return strings.EqualFold(mediaType, "application/json")
}

// isHopByHop はホップバイホップヘッダーかどうかを判定する。
func isHopByHop(key string) bool {
	canonical := http.CanonicalHeaderKey(key)
	for _, h := range hopByHopHeaders {
		if canonical == h {
			return true
		}
	}
	return false
}
