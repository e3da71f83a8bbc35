// 版权所有 2025 StoryWeave Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 tokenizer 提供调用前的 Token 估算，供限流与预算检查使用。

OpenAI 家族模型使用 tiktoken 精确计数；其他模型回退到区分
CJK/ASCII 字符比例的通用估计器。估算值在调用完成后会被实际
用量替换（限流窗口结算、成本台账），因此这里追求的是"足够准
的上界"而非精确。
*/
package tokenizer
