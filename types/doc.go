// Copyright (c) MRC Authors.
// Licensed under the MIT License.

/*
Package types provides the core data model shared across the MRC flow engine.

# 概述

types 定义会话（Session）、流程模板（FlowTemplate/FlowStep）、角色绑定
（SessionRole）、消息（Message）以及步骤级配置（ContextScope、LogicConfig、
KnowledgeConfig）的规范化结构，并提供统一的错误码体系。

# 核心类型

  - Session        — 会话状态与计数器（当前步骤、轮次、已执行步数）
  - FlowTemplate   — 有序步骤序列，order 严格全序
  - FlowStep       — 单个计划回合：发言角色、任务类型、上下文范围、分支规则
  - ContextScope   — 带标签的上下文范围变体，加载期一次性解析
  - Message        — 不可变会话消息，含摘要与回复指针
  - Error          — 带错误码、可重试标记与底层原因的结构化错误

本包不依赖任何其他工程内包，用于打破循环引用。
*/
package types
