package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCounterValue(t *testing.T) {
	c := BackfillPages.WithLabelValues("testex")
	before := CounterValue(c)

	c.Inc()
	c.Inc()

	assert.Equal(t, before+2, CounterValue(c))
}

func TestCounterVecChildrenAreIndependent(t *testing.T) {
	a := CandlesUpserted.WithLabelValues("ex-a", "1h")
	b := CandlesUpserted.WithLabelValues("ex-b", "1h")

	beforeB := CounterValue(b)
	a.Add(5)
	assert.Equal(t, beforeB, CounterValue(b))
}
