package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"timeline_tracker/internal/domain"
)

func TestSetAccountHealth(t *testing.T) {
	SetAccountHealth("acc-h", domain.Healthy)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.accountHealth.WithLabelValues("acc-h")))

	SetAccountHealth("acc-h", domain.Degraded)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.accountHealth.WithLabelValues("acc-h")))

	SetAccountHealth("acc-h", domain.Unhealthy)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.accountHealth.WithLabelValues("acc-h")))
}

func TestCounters(t *testing.T) {
	cycles := testutil.ToFloat64(m.cycles)
	CycleCompleted(150 * time.Millisecond)
	assert.Equal(t, cycles+1, testutil.ToFloat64(m.cycles))

	delivered := testutil.ToFloat64(m.itemsDelivered)
	ItemDelivered()
	ItemDelivered()
	assert.Equal(t, delivered+2, testutil.ToFloat64(m.itemsDelivered))

	failed := testutil.ToFloat64(m.deliveryFailures)
	DeliveryFailed()
	assert.Equal(t, failed+1, testutil.ToFloat64(m.deliveryFailures))

	saves := testutil.ToFloat64(m.stateSaves)
	StateSaved()
	assert.Equal(t, saves+1, testutil.ToFloat64(m.stateSaves))
}

func TestFetchResultByKind(t *testing.T) {
	c := m.fetchResults.WithLabelValues(string(domain.ResultSuccess))
	before := testutil.ToFloat64(c)

	FetchResult(domain.ResultSuccess)
	assert.Equal(t, before+1, testutil.ToFloat64(c))
}
