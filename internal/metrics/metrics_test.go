package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func newTestCollector() *Collector {
	return NewWithRegisterer(prometheus.NewRegistry())
}

func TestRecordElection_IncrementsLabeledCounter(t *testing.T) {
	c := newTestCollector()
	c.RecordElection(10*time.Millisecond, 1, "voting")
	c.RecordElection(5*time.Millisecond, 2, "instant_promotion")

	assert.Equal(t, float64(1), testutil.ToFloat64(c.electionsTotal.WithLabelValues("voting")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.electionsTotal.WithLabelValues("instant_promotion")))
}

func TestRecordPromotionFailure_IncrementsCounter(t *testing.T) {
	c := newTestCollector()
	c.RecordPromotionFailure(3, 5, 1, 3)
	c.RecordPromotionFailure(3, 6, 1, 3)

	assert.Equal(t, float64(2), testutil.ToFloat64(c.promotionFailures))
}

func TestRecordRequestLatency_LabelsBySuccess(t *testing.T) {
	c := newTestCollector()
	c.RecordRequestLatency(time.Millisecond, true)
	c.RecordRequestLatency(2*time.Millisecond, false)

	assert.Equal(t, float64(1), testutil.ToFloat64(c.requestsTotal.WithLabelValues("true")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.requestsTotal.WithLabelValues("false")))
}
