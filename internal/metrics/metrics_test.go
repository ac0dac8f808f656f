package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestSetLiveClientsOverwritesGauge(t *testing.T) {
	m := New()
	m.SetLiveClients(3)
	assert.Equal(t, float64(3), testutil.ToFloat64(m.liveClients))
	m.SetLiveClients(0)
	assert.Equal(t, float64(0), testutil.ToFloat64(m.liveClients))
}

func TestClientsAcceptedAndDroppedCounters(t *testing.T) {
	m := New()
	m.IncClientsAccepted()
	m.IncClientsAccepted()
	m.IncClientsDropped()

	assert.Equal(t, float64(2), testutil.ToFloat64(m.clientsAccepted))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.clientsDropped))
}

func TestSendsQueuedGauges(t *testing.T) {
	m := New()
	m.SetSendsQueued(5, 2048)
	assert.Equal(t, float64(5), testutil.ToFloat64(m.sendsQueued))
	assert.Equal(t, float64(2048), testutil.ToFloat64(m.sendsQueuedBytes))
}
