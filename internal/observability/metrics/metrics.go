package metrics

import "github.com/prometheus/client_golang/prometheus"

// AssistantMetrics exposes counters/histograms for conversation turns and actions.
type AssistantMetrics struct {
	turnsTotal     *prometheus.CounterVec
	modelLatency   *prometheus.HistogramVec
	actionOutcomes *prometheus.CounterVec
	expiredTotal   prometheus.Counter
}

func NewAssistantMetrics(reg prometheus.Registerer) *AssistantMetrics {
	m := &AssistantMetrics{
		turnsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lexhq",
			Subsystem: "assistant",
			Name:      "turns_total",
			Help:      "Total assistant turns by outcome",
		}, []string{"status"}),
		modelLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "lexhq",
			Subsystem: "assistant",
			Name:      "model_latency_seconds",
			Help:      "Latency of model generate calls",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 4, 8},
		}, []string{"tier", "model"}),
		actionOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lexhq",
			Subsystem: "assistant",
			Name:      "action_outcomes_total",
			Help:      "Proposed action outcomes by type",
		}, []string{"action_type", "outcome"}),
		expiredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lexhq",
			Subsystem: "assistant",
			Name:      "conversations_expired_total",
			Help:      "Conversations expired by the reaper",
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.turnsTotal, m.modelLatency, m.actionOutcomes, m.expiredTotal)
	return m
}

func (m *AssistantMetrics) ObserveTurn(status string) {
	if m == nil {
		return
	}
	m.turnsTotal.WithLabelValues(status).Inc()
}

func (m *AssistantMetrics) ObserveModelLatency(tier, model string, seconds float64) {
	if m == nil {
		return
	}
	m.modelLatency.WithLabelValues(tier, model).Observe(seconds)
}

func (m *AssistantMetrics) ObserveActionOutcome(actionType, outcome string) {
	if m == nil {
		return
	}
	m.actionOutcomes.WithLabelValues(actionType, outcome).Inc()
}

func (m *AssistantMetrics) ObserveExpired(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.expiredTotal.Add(float64(count))
}

// LedgerMetrics exposes counters for usage accounting writes.
type LedgerMetrics struct {
	entriesTotal *prometheus.CounterVec
	tokensTotal  *prometheus.CounterVec
}

func NewLedgerMetrics(reg prometheus.Registerer) *LedgerMetrics {
	m := &LedgerMetrics{
		entriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lexhq",
			Subsystem: "ledger",
			Name:      "entries_total",
			Help:      "Usage ledger entries written by feature",
		}, []string{"feature", "status"}),
		tokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lexhq",
			Subsystem: "ledger",
			Name:      "tokens_total",
			Help:      "Token counts recorded by direction",
		}, []string{"model", "direction"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.entriesTotal, m.tokensTotal)
	return m
}

func (m *LedgerMetrics) ObserveEntry(feature, status string) {
	if m == nil {
		return
	}
	m.entriesTotal.WithLabelValues(feature, status).Inc()
}

func (m *LedgerMetrics) ObserveTokens(model string, inputTokens, outputTokens int) {
	if m == nil {
		return
	}
	if inputTokens > 0 {
		m.tokensTotal.WithLabelValues(model, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		m.tokensTotal.WithLabelValues(model, "output").Add(float64(outputTokens))
	}
}

// BatchMetrics exposes counters/histograms for batch job runs.
type BatchMetrics struct {
	itemsTotal  *prometheus.CounterVec
	jobDuration *prometheus.HistogramVec
}

func NewBatchMetrics(reg prometheus.Registerer) *BatchMetrics {
	m := &BatchMetrics{
		itemsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lexhq",
			Subsystem: "batch",
			Name:      "items_total",
			Help:      "Batch items processed by outcome",
		}, []string{"feature", "outcome"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "lexhq",
			Subsystem: "batch",
			Name:      "job_duration_seconds",
			Help:      "Wall time of batch job runs",
			Buckets:   []float64{1, 5, 15, 60, 300, 900, 3600},
		}, []string{"feature", "status"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.itemsTotal, m.jobDuration)
	return m
}

func (m *BatchMetrics) ObserveItem(feature, outcome string) {
	if m == nil {
		return
	}
	m.itemsTotal.WithLabelValues(feature, outcome).Inc()
}

func (m *BatchMetrics) ObserveJobDuration(feature, status string, seconds float64) {
	if m == nil {
		return
	}
	m.jobDuration.WithLabelValues(feature, status).Observe(seconds)
}
