package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/BaSui01/storyweave/gateway"
)

// KeyStrategy 缓存键生成策略接口
type KeyStrategy interface {
	// GenerateKey 生成缓存键
	GenerateKey(req *gateway.LLMRequest) string

	// Name 返回策略名称（用于日志和调试）
	Name() string
}

// FingerprintStrategy 内容寻址指纹策略
// 只对请求的语义相关字段取哈希：模型、请求类型、提示词内容与
// 生成参数。请求 ID、元数据、时间戳与调用方标识一律不参与，
// 因此相同意图的请求总是碰撞到同一个键
type FingerprintStrategy struct{}

// NewFingerprintStrategy 创建指纹策略
func NewFingerprintStrategy() *FingerprintStrategy {
	return &FingerprintStrategy{}
}

// Name 返回策略名称
func (s *FingerprintStrategy) Name() string {
	return "fingerprint"
}

// GenerateKey 生成内容指纹键
func (s *FingerprintStrategy) GenerateKey(req *gateway.LLMRequest) string {
	promptSum := sha256.Sum256([]byte(req.SystemPrompt + "\x00" + req.Prompt))

	// 停止序列排序后再参与哈希，顺序不同不应产生不同指纹
	stops := append([]string(nil), req.Params.StopSequences...)
	sort.Strings(stops)

	canonical := struct {
		Model       string   `json:"model"`
		Provider    string   `json:"provider"`
		Type        string   `json:"type"`
		PromptHash  string   `json:"prompt_hash"`
		Temperature float64  `json:"temperature"`
		TopP        float64  `json:"top_p"`
		MaxTokens   int      `json:"max_tokens"`
		Stops       []string `json:"stops,omitempty"`
	}{
		Model:       req.Model.Name,
		Provider:    req.Model.Provider,
		Type:        string(req.Type),
		PromptHash:  hex.EncodeToString(promptSum[:]),
		Temperature: req.Params.Temperature,
		TopP:        req.Params.TopP,
		MaxTokens:   req.Params.MaxTokens,
		Stops:       stops,
	}

	data, err := json.Marshal(canonical)
	if err != nil {
		// fallback: 使用 fmt.Sprintf 生成确定性字符串避免 key 碰撞
		data = []byte(fmt.Sprintf("%v", canonical))
	}
	sum := sha256.Sum256(data)
	return "sw:cache:" + hex.EncodeToString(sum[:16])
}
