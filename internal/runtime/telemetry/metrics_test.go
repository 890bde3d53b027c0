package telemetry

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMetrics(t *testing.T) *Metrics {
	t.Helper()
	m := NewMetrics(prometheus.NewRegistry(), "test")
	require.NoError(t, m.Register())
	return m
}

func TestRegisterIsIdempotent(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "")
	require.NoError(t, m.Register())
	require.NoError(t, m.Register())

	other := NewMetrics(reg, "")
	require.NoError(t, other.Register(), "already registered collectors are tolerated")
}

func TestRecordDeadLetterTracksStats(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordDeadLetter("orders/billing", "poison", 1)
	m.RecordDeadLetter("orders/billing", "max_delivery", 5)

	stats := m.DeadLetters("orders/billing")
	require.NotNil(t, stats)
	assert.Equal(t, uint64(2), stats.Messages)
	assert.Equal(t, 3.0, stats.AvgDeliveryCount)
	assert.Equal(t, map[string]uint64{"poison": 1, "max_delivery": 1}, stats.ByReason)
	assert.False(t, stats.FirstAt.IsZero())

	assert.Equal(t, 1.0, testutil.ToFloat64(m.deadLettersTotal.WithLabelValues("orders/billing", "poison")))
	assert.Nil(t, m.DeadLetters("unknown"))
}

func TestDeadLettersReturnsCopy(t *testing.T) {
	m := newTestMetrics(t)
	m.RecordDeadLetter("a/b", "poison", 1)

	stats := m.DeadLetters("a/b")
	stats.ByReason["poison"] = 99

	assert.Equal(t, uint64(1), m.DeadLetters("a/b").ByReason["poison"])
}

func TestSnapshotSumsSubscriptions(t *testing.T) {
	m := newTestMetrics(t)
	m.RecordDeadLetter("a/x", "poison", 1)
	m.RecordDeadLetter("b/y", "poison", 1)
	m.RecordDeadLetter("b/y", "poison", 1)

	snap := m.Snapshot()
	assert.Equal(t, uint64(3), snap.Total)
	assert.Len(t, snap.DeadLetters, 2)
}

func TestCountersAndGauges(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordHandled("order.placed", "billing", OutcomeSuccess, 10*time.Millisecond)
	m.RecordSettlement("orders/billing", ActionComplete)
	m.SetThrottleDegree("orders/billing", 4)
	m.RecordThrottled("orders/billing")
	m.RecordPublished("events")
	m.RecordPublishFailure("events")
	m.RecordTransition("order", OutcomeSuccess)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.handledTotal.WithLabelValues("order.placed", "billing", OutcomeSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.settledTotal.WithLabelValues("orders/billing", ActionComplete)))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.throttleDegree.WithLabelValues("orders/billing")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.relayPublished.WithLabelValues("events")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sagaTransitions.WithLabelValues("order", OutcomeSuccess)))

	m.Reset()
	assert.Equal(t, 0, testutil.CollectAndCount(m.handledTotal))
	assert.Empty(t, m.Snapshot().DeadLetters)
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		require.NoError(t, m.Register())
		m.RecordHandled("a", "b", OutcomeSuccess, time.Second)
		m.RecordSettlement("a", ActionAbandon)
		m.RecordDeadLetter("a", "b", 1)
		m.SetThrottleDegree("a", 1)
		m.RecordThrottled("a")
		m.RecordPublished("a")
		m.RecordPublishFailure("a")
		m.RecordTransition("a", "b")
		m.Reset()
	})
	assert.Nil(t, m.DeadLetters("a"))
	assert.Empty(t, m.Snapshot().DeadLetters)
}

func TestHandlerServesCollectors(t *testing.T) {
	m := NewMetrics(nil, "svc")
	require.NoError(t, m.Register())
	m.RecordPublished("events")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "svc_relay_published_total"))
}
