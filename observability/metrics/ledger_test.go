package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"bucketchain/core/types"
)

func TestObserveEventCounters(t *testing.T) {
	m := Ledger()
	before := testutil.ToFloat64(m.slashed)
	m.ObserveEvent(&types.Event{Type: "storage.challenge.slashed", Attributes: map[string]string{"slashed": "2500"}})
	m.ObserveEvent(&types.Event{Type: "storage.challenge.slashed", Attributes: map[string]string{"slashed": "bogus"}})
	require.Equal(t, before+2500, testutil.ToFloat64(m.slashed))
	require.GreaterOrEqual(t, testutil.ToFloat64(m.challenges.WithLabelValues("slashed")), 2.0)

	m.SetHeight(42)
	require.Equal(t, 42.0, testutil.ToFloat64(m.height))

	var nilMetrics *LedgerMetrics
	nilMetrics.ObserveEvent(&types.Event{Type: "storage.replica.synced"})
}
