package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestObserveSend(t *testing.T) {
	before := testutil.ToFloat64(SendsTotal.WithLabelValues("ses", "success"))
	ObserveSend("ses", "success", time.Now())
	assert.Equal(t, before+1, testutil.ToFloat64(SendsTotal.WithLabelValues("ses", "success")))
}

func TestRateLimitDenialsByLayer(t *testing.T) {
	RateLimitDenials.WithLabelValues("binding").Inc()
	assert.GreaterOrEqual(t, testutil.ToFloat64(RateLimitDenials.WithLabelValues("binding")), float64(1))
}
