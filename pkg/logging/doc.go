// Package logging はzerologベースのロガー構築を提供する。
//
// ログレベルと出力先（標準エラー出力またはログディレクトリ配下のファイル）を
// 環境設定から決定し、全コンポーネントに注入する単一のロガーを生成する。
package logging
