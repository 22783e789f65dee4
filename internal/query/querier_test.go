package query

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildMetricsQuery(t *testing.T) {
	q, args := buildMetricsQuery(MetricsHistoryRequest{})
	assert.NotContains(t, q, "WHERE")
	assert.Contains(t, q, "ORDER BY Timestamp DESC LIMIT 100")
	assert.Empty(t, args)

	since := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	until := since.Add(time.Hour)
	q, args = buildMetricsQuery(MetricsHistoryRequest{Since: since, Until: until, Limit: 1_000_000})
	assert.Contains(t, q, "WHERE Timestamp >= ? AND Timestamp <= ?")
	assert.Contains(t, q, "LIMIT 10000")
	assert.Equal(t, []any{since, until}, args)
}

func TestBuildTraceQuery(t *testing.T) {
	end := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	q, args, err := buildTraceQuery(TraceFlowRequest{
		FlowKeys: map[string]string{
			"SrcIP": "10.0.0.1", "DstIP": "2001:db8::1", "DstPort": "443", "Protocol": "6",
		},
		EndTime: end,
	})
	require.NoError(t, err)
	assert.Contains(t, q, "FROM flow_records")
	assert.Contains(t, q, "WHERE DstIP = ? AND DstPort = ? AND Protocol = ? AND SrcIP = ? AND Timestamp <= ?")
	assert.Equal(t, []any{"2001:db8::1", uint16(443), uint8(6), "10.0.0.1", end}, args)
}

func TestBuildTraceQueryRejectsBadKeys(t *testing.T) {
	for name, keys := range map[string]map[string]string{
		"empty":        {},
		"unknown key":  {"Ingress": "eth0"},
		"bad address":  {"SrcIP": "10.0.0.300"},
		"port range":   {"SrcPort": "70000"},
		"bad protocol": {"Protocol": "tcp"},
		"injection":    {"SrcIP = '1' OR 1=1 --": "x"},
	} {
		t.Run(name, func(t *testing.T) {
			_, _, err := buildTraceQuery(TraceFlowRequest{FlowKeys: keys})
			assert.ErrorIs(t, err, ErrBadRequest)
		})
	}
}
