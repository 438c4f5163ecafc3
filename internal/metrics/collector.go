// Package metrics provides internal metrics collection for the flow engine.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 流程引擎指标收集器。
type Collector struct {
	// 步骤执行指标
	stepsTotal   *prometheus.CounterVec
	stepDuration *prometheus.HistogramVec

	// 补全调用指标
	completionsTotal   *prometheus.CounterVec
	completionDuration *prometheus.HistogramVec
	completionTokens   *prometheus.CounterVec

	// 知识检索指标
	retrievalsTotal    *prometheus.CounterVec
	retrievalFallbacks prometheus.Counter

	// 会话状态机指标
	sessionTransitions *prometheus.CounterVec
}

// NewCollector 创建指标收集器。reg 为 nil 时注册到默认 Registry。
func NewCollector(namespace string, reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Collector{
		stepsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "steps_total",
				Help:      "Total number of flow step executions",
			},
			[]string{"task_type", "status"},
		),
		stepDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "step_duration_seconds",
				Help:      "Flow step execution duration in seconds",
				Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"task_type"},
		),
		completionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "completions_total",
				Help:      "Total number of completion-service requests",
			},
			[]string{"provider", "status"},
		),
		completionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "completion_duration_seconds",
				Help:      "Completion request duration in seconds",
				Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider"},
		),
		completionTokens: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "completion_tokens_total",
				Help:      "Total tokens consumed by completion requests",
			},
			[]string{"provider", "kind"},
		),
		retrievalsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retrievals_total",
				Help:      "Total number of per-source knowledge retrieval calls",
			},
			[]string{"source", "status"},
		),
		retrievalFallbacks: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retrieval_fallbacks_total",
				Help:      "Total number of knowledge fusions that degraded to fallback",
			},
		),
		sessionTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "session_transitions_total",
				Help:      "Total number of session state transitions",
			},
			[]string{"from", "to"},
		),
	}
}

// RecordStep 记录一次步骤执行。
func (c *Collector) RecordStep(taskType, status string, duration time.Duration) {
	c.stepsTotal.WithLabelValues(taskType, status).Inc()
	c.stepDuration.WithLabelValues(taskType).Observe(duration.Seconds())
}

// RecordCompletion 记录一次补全调用。
func (c *Collector) RecordCompletion(provider, status string, duration time.Duration, promptTokens, completionTokens int) {
	c.completionsTotal.WithLabelValues(provider, status).Inc()
	c.completionDuration.WithLabelValues(provider).Observe(duration.Seconds())
	if promptTokens > 0 {
		c.completionTokens.WithLabelValues(provider, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		c.completionTokens.WithLabelValues(provider, "completion").Add(float64(completionTokens))
	}
}

// RecordRetrieval 记录一次单源检索调用。
func (c *Collector) RecordRetrieval(source, status string) {
	c.retrievalsTotal.WithLabelValues(source, status).Inc()
}

// RecordFallback 记录一次检索降级。
func (c *Collector) RecordFallback() {
	c.retrievalFallbacks.Inc()
}

// RecordTransition 记录一次会话状态转换。
func (c *Collector) RecordTransition(from, to string) {
	c.sessionTransitions.WithLabelValues(from, to).Inc()
}
