// Package metrics содержит счётчики Prometheus для операций реестра баллов.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mmeshcher/milheiro-ledger/internal/model"
)

const namespace = "ledger"

// LedgerMetrics собирает счётчики операций реестра. Методы безопасно вызывать на nil.
type LedgerMetrics struct {
	purchasesClosed prometheus.Counter
	salesCreated    *prometheus.CounterVec
	pointsMoved     *prometheus.CounterVec
	rejections      *prometheus.CounterVec
}

// New создаёт счётчики и регистрирует их в reg.
func New(reg prometheus.Registerer) *LedgerMetrics {
	m := &LedgerMetrics{
		purchasesClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "purchases_closed_total",
			Help:      "Number of purchases moved from OPEN to CLOSED.",
		}),
		salesCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sales_created_total",
			Help:      "Number of sales created by program.",
		}, []string{"program"}),
		pointsMoved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "points_moved_total",
			Help:      "Points credited or debited by program.",
		}, []string{"program", "direction"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejections_total",
			Help:      "Ledger operations rejected by operation and error kind.",
		}, []string{"operation", "kind"}),
	}
	reg.MustRegister(m.purchasesClosed, m.salesCreated, m.pointsMoved, m.rejections)
	return m
}

// ObservePurchaseClosed учитывает закрытую покупку.
func (m *LedgerMetrics) ObservePurchaseClosed() {
	if m == nil {
		return
	}
	m.purchasesClosed.Inc()
}

// ObserveSaleCreated учитывает созданную продажу.
func (m *LedgerMetrics) ObserveSaleCreated(p model.Program) {
	if m == nil {
		return
	}
	m.salesCreated.WithLabelValues(string(p)).Inc()
}

// ObservePointsMoved учитывает движение баллов: положительная delta — начисление, отрицательная — списание.
func (m *LedgerMetrics) ObservePointsMoved(p model.Program, delta int64) {
	if m == nil || delta == 0 {
		return
	}
	direction := "credit"
	if delta < 0 {
		direction = "debit"
		delta = -delta
	}
	m.pointsMoved.WithLabelValues(string(p), direction).Add(float64(delta))
}

// ObserveRejection учитывает отклонённую операцию.
func (m *LedgerMetrics) ObserveRejection(operation string, kind model.ErrorKind) {
	if m == nil {
		return
	}
	if kind == "" {
		kind = model.KindInternal
	}
	m.rejections.WithLabelValues(operation, string(kind)).Inc()
}
