package cost

import (
	"sync"
)

// ModelPrice 模型价格
type ModelPrice struct {
	Provider    string
	Model       string
	PriceInput  float64 // USD per 1K tokens
	PriceOutput float64 // USD per 1K tokens
}

// Calculator 成本计算器：价格表的唯一权威
type Calculator struct {
	mu     sync.RWMutex
	prices map[string]*ModelPrice // key: provider:model
}

// NewCalculator 创建成本计算器
func NewCalculator() *Calculator {
	c := &Calculator{
		prices: make(map[string]*ModelPrice),
	}
	c.loadDefaultPrices()
	return c
}

// loadDefaultPrices 加载默认价格（可从配置覆盖）
func (c *Calculator) loadDefaultPrices() {
	defaults := []ModelPrice{
		// OpenAI
		{Provider: "openai", Model: "gpt-4o", PriceInput: 0.005, PriceOutput: 0.015},
		{Provider: "openai", Model: "gpt-4o-mini", PriceInput: 0.00015, PriceOutput: 0.0006},
		{Provider: "openai", Model: "gpt-4-turbo", PriceInput: 0.01, PriceOutput: 0.03},
		// Claude
		{Provider: "claude", Model: "claude-3-5-sonnet-20241022", PriceInput: 0.003, PriceOutput: 0.015},
		{Provider: "claude", Model: "claude-3-haiku-20240307", PriceInput: 0.00025, PriceOutput: 0.00125},
		// Gemini
		{Provider: "gemini", Model: "gemini-1.5-pro", PriceInput: 0.00125, PriceOutput: 0.005},
		{Provider: "gemini", Model: "gemini-1.5-flash", PriceInput: 0.000075, PriceOutput: 0.0003},
		// DeepSeek
		{Provider: "deepseek", Model: "deepseek-chat", PriceInput: 0.00027, PriceOutput: 0.0011},
	}

	for _, p := range defaults {
		c.SetPrice(p.Provider, p.Model, p.PriceInput, p.PriceOutput)
	}
}

// SetPrice 设置模型价格
func (c *Calculator) SetPrice(provider, model string, priceInput, priceOutput float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := provider + ":" + model
	c.prices[key] = &ModelPrice{
		Provider:    provider,
		Model:       model,
		PriceInput:  priceInput,
		PriceOutput: priceOutput,
	}
}

// GetPrice 获取模型价格，未登记时返回 nil
func (c *Calculator) GetPrice(provider, model string) *ModelPrice {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.prices[provider+":"+model]
}

// Breakdown 计算输入/输出费用
// 未登记的模型返回 (0, 0, false)，由调用方决定回退策略
func (c *Calculator) Breakdown(provider, model string, tokensInput, tokensOutput int) (inputCost, outputCost float64, ok bool) {
	price := c.GetPrice(provider, model)
	if price == nil {
		return 0, 0, false
	}
	inputCost = float64(tokensInput) / 1000 * price.PriceInput
	outputCost = float64(tokensOutput) / 1000 * price.PriceOutput
	return inputCost, outputCost, true
}

// Calculate 计算总费用
func (c *Calculator) Calculate(provider, model string, tokensInput, tokensOutput int) float64 {
	in, out, _ := c.Breakdown(provider, model, tokensInput, tokensOutput)
	return in + out
}

// UpdatePrices 批量更新价格（从配置）
func (c *Calculator) UpdatePrices(prices []ModelPrice) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, p := range prices {
		key := p.Provider + ":" + p.Model
		c.prices[key] = &ModelPrice{
			Provider:    p.Provider,
			Model:       p.Model,
			PriceInput:  p.PriceInput,
			PriceOutput: p.PriceOutput,
		}
	}
}
