// 版权所有 2025 StoryWeave Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

// Package metrics provides internal metrics collection for the AI gateway.
// This package is internal and should not be imported by external projects.
package metrics
