// Package parser 把上传的简历文件转换为纯文本，供开始面试使用。
package parser

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode"

	"github.com/cloudwego/eino-ext/components/document/parser/pdf"
	einoParser "github.com/cloudwego/eino/components/document/parser"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"interview-buddy-go/internal/logger"
	"interview-buddy-go/internal/tracing"
)

var tracer = otel.Tracer("interview-buddy-go/parser")

var (
	// ErrEmptyResume PDF 中没有可提取的文本，例如扫描件
	ErrEmptyResume = errors.New("简历中没有可提取的文本")
	// ErrResumeParse PDF 无法解析
	ErrResumeParse = errors.New("简历解析失败")
)

// ResumeTextExtractor 从简历文件中提取纯文本
type ResumeTextExtractor interface {
	ExtractText(ctx context.Context, r io.Reader, filename string) (string, error)
}

// EinoPDFTextExtractor 使用 Eino PDF Parser 提取文本
type EinoPDFTextExtractor struct {
	parser   einoParser.Parser
	timeout  time.Duration
	maxChars int
}

var _ ResumeTextExtractor = (*EinoPDFTextExtractor)(nil)

// EinoPDFOption PDF提取器的配置选项
type EinoPDFOption func(*EinoPDFTextExtractor)

// WithTimeout 单次解析的超时时间
func WithTimeout(d time.Duration) EinoPDFOption {
	return func(e *EinoPDFTextExtractor) { e.timeout = d }
}

// WithMaxChars 返回文本的最大字符数，0 表示不限制
func WithMaxChars(n int) EinoPDFOption {
	return func(e *EinoPDFTextExtractor) { e.maxChars = n }
}

// WithParser 替换底层解析器
func WithParser(p einoParser.Parser) EinoPDFOption {
	return func(e *EinoPDFTextExtractor) { e.parser = p }
}

// NewEinoPDFTextExtractor 初始化 Eino PDF 文本提取器
// 默认配置为不按页面分割，以获取整个文档的连续文本
func NewEinoPDFTextExtractor(ctx context.Context, options ...EinoPDFOption) (*EinoPDFTextExtractor, error) {
	extractor := &EinoPDFTextExtractor{
		timeout:  30 * time.Second,
		maxChars: 20000,
	}
	for _, option := range options {
		option(extractor)
	}

	if extractor.parser == nil {
		p, err := pdf.NewPDFParser(ctx, &pdf.Config{ToPages: false})
		if err != nil {
			return nil, fmt.Errorf("failed to create Eino PDF parser: %w", err)
		}
		extractor.parser = p
	}
	return extractor, nil
}

// ExtractText 提取 PDF 全文并规整空白
func (e *EinoPDFTextExtractor) ExtractText(ctx context.Context, r io.Reader, filename string) (string, error) {
	ctx, span := tracer.Start(ctx, "parser.ExtractText")
	defer span.End()
	span.SetAttributes(attribute.String("resume.filename", filename))

	startTime := time.Now()
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	docs, err := e.parser.Parse(ctx, r,
		einoParser.WithURI(filename),
		einoParser.WithExtraMeta(map[string]any{"extraction_time": startTime.Format(time.RFC3339)}),
	)
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeValidation)
		return "", fmt.Errorf("%w: %s: %v", ErrResumeParse, filename, err)
	}

	parts := make([]string, 0, len(docs))
	for _, doc := range docs {
		if doc == nil {
			continue
		}
		if text := normalizeText(doc.Content); text != "" {
			parts = append(parts, text)
		}
	}
	text := strings.Join(parts, "\n\n")
	if text == "" {
		tracing.RecordError(span, ErrEmptyResume, tracing.ErrorTypeValidation)
		return "", fmt.Errorf("%w: %s", ErrEmptyResume, filename)
	}

	truncated := false
	if e.maxChars > 0 {
		if runes := []rune(text); len(runes) > e.maxChars {
			text = string(runes[:e.maxChars])
			truncated = true
		}
	}

	span.SetAttributes(
		attribute.Int("resume.documents", len(docs)),
		attribute.Int("resume.text_length", len(text)),
		attribute.Bool("resume.truncated", truncated),
	)
	logger.Ctx(ctx).Info().
		Str("filename", filename).
		Int("documents", len(docs)).
		Int("chars", len(text)).
		Bool("truncated", truncated).
		Dur("elapsed", time.Since(startTime)).
		Msg("PDF简历提取完成")
	return text, nil
}

// ExtractTextFromBytes 从字节数组提取文本内容
func (e *EinoPDFTextExtractor) ExtractTextFromBytes(ctx context.Context, data []byte, filename string) (string, error) {
	return e.ExtractText(ctx, bytes.NewReader(data), filename)
}

// normalizeText 去掉每行首尾空白、行内连续空白合并为一个空格，最多保留一个空行
func normalizeText(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")

	var b strings.Builder
	blank := 0
	for _, line := range strings.Split(s, "\n") {
		line = strings.Join(strings.FieldsFunc(line, unicode.IsSpace), " ")
		if line == "" {
			blank++
			continue
		}
		if b.Len() > 0 {
			if blank > 0 {
				b.WriteString("\n\n")
			} else {
				b.WriteString("\n")
			}
		}
		blank = 0
		b.WriteString(line)
	}
	return b.String()
}
