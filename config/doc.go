// 版权所有 2025 StoryWeave Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

// Package config 提供 StoryWeave 网关的配置管理功能。
//
// 支持从 YAML 文件和环境变量加载配置，
// 配置优先级: 默认值 → YAML 文件 → 环境变量。
// 所有配置在加载后立即校验，构造期快速失败。
package config
