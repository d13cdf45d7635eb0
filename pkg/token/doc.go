// Package token はBearerトークンの発行・検証を提供する。
//
// HMAC-SHA256で署名したJWTを発行し、検証に成功したクレームのみを
// 呼び出し元に返す。署名検証前のクレームを信用することは決してない。
// 通常トークン（24時間）とプローブ設定用トークン（30日）の
// 2つのトークンクラスを扱う。
package token
