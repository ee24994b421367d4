package service

import (
	"bytes"
	"fmt"
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	goldhtml "github.com/yuin/goldmark/renderer/html"
)

var (
	markdownEngine = goldmark.New(
		goldmark.WithExtensions(extension.GFM, extension.Linkify, extension.Table),
		goldmark.WithRendererOptions(goldhtml.WithHardWraps(), goldhtml.WithXHTML()),
	)
	// htmlSanitizer 用于渲染结果
	htmlSanitizer = bluemonday.UGCPolicy()
	// textSanitizer 用于入库的纯文本备注，去掉全部标签
	textSanitizer = bluemonday.StrictPolicy()
)

// SanitizeNotes 去掉备注中的 HTML 标签，保留文本。
// 结果再做一次反转义，反复保存同一段备注不会被逐次转义。
func SanitizeNotes(notes string) string {
	trimmed := strings.TrimSpace(notes)
	if trimmed == "" {
		return ""
	}
	return strings.TrimSpace(html.UnescapeString(textSanitizer.Sanitize(trimmed)))
}

// RenderNotes 把 Markdown 备注渲染为经过清洗的 HTML
func RenderNotes(notes string) (string, error) {
	if strings.TrimSpace(notes) == "" {
		return "", nil
	}
	var buf bytes.Buffer
	if err := markdownEngine.Convert([]byte(notes), &buf); err != nil {
		return "", fmt.Errorf("render notes: %w", err)
	}
	return htmlSanitizer.Sanitize(buf.String()), nil
}
