package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/mmeshcher/milheiro-ledger/internal/model"
)

func TestLedgerMetrics(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObservePurchaseClosed()
	m.ObserveSaleCreated(model.ProgramLatam)
	m.ObservePointsMoved(model.ProgramLatam, 500)
	m.ObservePointsMoved(model.ProgramLatam, -200)
	m.ObservePointsMoved(model.ProgramLatam, 0)
	m.ObserveRejection("create_sale", model.KindInsufficientBalance)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.purchasesClosed))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.salesCreated.WithLabelValues("LATAM")))
	assert.Equal(t, 500.0, testutil.ToFloat64(m.pointsMoved.WithLabelValues("LATAM", "credit")))
	assert.Equal(t, 200.0, testutil.ToFloat64(m.pointsMoved.WithLabelValues("LATAM", "debit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rejections.WithLabelValues("create_sale", "InsufficientBalance")))
}

func TestLedgerMetrics_NilSafe(t *testing.T) {
	var m *LedgerMetrics
	m.ObservePurchaseClosed()
	m.ObserveSaleCreated(model.ProgramSmiles)
	m.ObservePointsMoved(model.ProgramSmiles, 10)
	m.ObserveRejection("close_purchase", model.KindNotFound)
}
