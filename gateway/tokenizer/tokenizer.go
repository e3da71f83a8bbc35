package tokenizer

import (
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

// Counter 统一的 Token 计数接口
type Counter interface {
	// CountTokens 返回给定文本的 token 数
	CountTokens(text string) (int, error)

	// Name 返回计数器名称（用于日志和调试）
	Name() string
}

// ============================================================
// tiktoken 计数器（OpenAI 家族）
// ============================================================

// modelEncodings 将模型名称映射到其 tiktoken 编码
var modelEncodings = map[string]string{
	"gpt-4o":        "o200k_base",
	"gpt-4o-mini":   "o200k_base",
	"gpt-4-turbo":   "cl100k_base",
	"gpt-4":         "cl100k_base",
	"gpt-3.5-turbo": "cl100k_base",
}

// TiktokenCounter 基于 tiktoken 的精确计数器，编码惰性初始化
type TiktokenCounter struct {
	model    string
	encoding string

	once    sync.Once
	enc     *tiktoken.Tiktoken
	initErr error
}

// NewTiktokenCounter 为给定模型创建 tiktoken 计数器
// 未知模型返回 (nil, false)，调用方应回退到估计器
func NewTiktokenCounter(model string) (*TiktokenCounter, bool) {
	encoding, ok := modelEncodings[model]
	if !ok {
		// 尝试前缀匹配（如 "gpt-4o" 匹配 "gpt-4o-2024-11-20"）
		for prefix, e := range modelEncodings {
			if strings.HasPrefix(model, prefix) {
				encoding = e
				ok = true
				break
			}
		}
	}
	if !ok {
		return nil, false
	}
	return &TiktokenCounter{model: model, encoding: encoding}, true
}

func (c *TiktokenCounter) init() {
	c.once.Do(func() {
		c.enc, c.initErr = tiktoken.GetEncoding(c.encoding)
	})
}

// CountTokens 精确计数；编码初始化失败时返回错误
func (c *TiktokenCounter) CountTokens(text string) (int, error) {
	c.init()
	if c.initErr != nil {
		return 0, c.initErr
	}
	return len(c.enc.Encode(text, nil, nil)), nil
}

// Name 返回计数器名称
func (c *TiktokenCounter) Name() string {
	return "tiktoken:" + c.encoding
}

// ============================================================
// 通用估计器
// ============================================================

// EstimatorCounter 基于字符比例的估计器
// 区分 CJK 与 ASCII 字符，比朴素的 len/4 更接近真实值
type EstimatorCounter struct {
	model string
}

// NewEstimatorCounter 创建通用估计器
func NewEstimatorCounter(model string) *EstimatorCounter {
	return &EstimatorCounter{model: model}
}

// CountTokens 估算 token 数
func (e *EstimatorCounter) CountTokens(text string) (int, error) {
	if text == "" {
		return 0, nil
	}

	totalChars := utf8.RuneCountInString(text)
	cjkCount := 0
	for _, r := range text {
		if isCJK(r) {
			cjkCount++
		}
	}

	// CJK 约 1.5 字符/token，ASCII 约 4 字符/token
	cjkTokens := float64(cjkCount) / 1.5
	asciiTokens := float64(totalChars-cjkCount) / 4.0
	estimated := int(cjkTokens + asciiTokens)
	if estimated == 0 {
		estimated = 1
	}
	return estimated, nil
}

// Name 返回计数器名称
func (e *EstimatorCounter) Name() string {
	return "estimator"
}

func isCJK(r rune) bool {
	return (r >= 0x4E00 && r <= 0x9FFF) || // CJK 统一表意文字
		(r >= 0x3400 && r <= 0x4DBF) || // 扩展 A
		(r >= 0x3040 && r <= 0x30FF) || // 日文假名
		(r >= 0xAC00 && r <= 0xD7AF) // 韩文音节
}

// ForModel 返回模型对应的计数器：已知家族用 tiktoken，否则估计器
func ForModel(model string) Counter {
	if c, ok := NewTiktokenCounter(model); ok {
		return c
	}
	return NewEstimatorCounter(model)
}
