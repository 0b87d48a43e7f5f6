package observability

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingBufferEvictsOldestWhenFull(t *testing.T) {
	r := newRing[int](3)
	r.push(1)
	r.push(2)
	r.push(3)
	r.push(4)

	assert.Equal(t, []int{2, 3, 4}, r.snapshot())
	assert.Equal(t, 3, r.len())
}

func TestRecordHTTPExchangeExtractsCuitFromTopLevelAndNestedAuth(t *testing.T) {
	c := New(10, 10, nil)

	c.RecordHTTPExchange("POST", "/wsfe/caea/queue/solicitar", 200, 5*time.Millisecond,
		[]byte(`{"Cuit":"20111111111","Periodo":202602,"Orden":1}`), "")
	c.RecordHTTPExchange("POST", "/wsfe/invoices", 200, 5*time.Millisecond,
		[]byte(`{"Auth":{"Cuit":"20222222222"},"FeCAEReq":{}}`), "")

	summary := c.BuildSummary(60)
	require.Equal(t, 2, summary.Count)

	entries := c.logs.snapshot()
	require.Len(t, entries, 2)
	assert.Equal(t, "20111111111", entries[0].Cuit)
	assert.Equal(t, "20222222222", entries[1].Cuit)
}

func TestBuildSummaryComputesNearestRankP95(t *testing.T) {
	c := New(100, 100, nil)
	fixedNow := time.Date(2026, 2, 5, 10, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return fixedNow }

	// 20 entries, durations 1..20ms; ceil(0.95*20)=19th smallest => 19ms.
	for i := 1; i <= 20; i++ {
		c.RecordHTTPExchange("GET", "/health/liveness", 200, time.Duration(i)*time.Millisecond, nil, "")
	}

	summary := c.BuildSummary(60)
	assert.Equal(t, 20, summary.Count)
	assert.Equal(t, float64(19), summary.P95Ms)
	assert.Zero(t, summary.ErrorRate)
}

func TestBuildSummaryExcludesEntriesOutsideWindow(t *testing.T) {
	c := New(100, 100, nil)
	start := time.Date(2026, 2, 5, 10, 0, 0, 0, time.UTC)
	current := start
	c.now = func() time.Time { return current }

	c.RecordHTTPExchange("GET", "/health/liveness", 200, time.Millisecond, nil, "")
	current = start.Add(20 * time.Minute)
	c.RecordHTTPExchange("GET", "/health/liveness", 200, time.Millisecond, nil, "")

	summary := c.BuildSummary(10)
	assert.Equal(t, 1, summary.Count)
}

func TestHighErrorRateAlertFiresAtThreshold(t *testing.T) {
	c := New(100, 100, nil)
	fixedNow := time.Date(2026, 2, 5, 10, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return fixedNow }

	for i := 0; i < 16; i++ {
		c.RecordHTTPExchange("GET", "/wsfe/invoices/query", 200, time.Millisecond, nil, "")
	}
	for i := 0; i < 4; i++ {
		c.RecordHTTPExchange("GET", "/wsfe/invoices/query", 500, time.Millisecond, nil, "HTTP Error")
	}

	alerts := c.BuildAlerts()
	var found bool
	for _, a := range alerts {
		if a.Kind == "high_error_rate_10m" {
			found = true
		}
	}
	assert.True(t, found, "expected high_error_rate_10m alert at exactly 20%% error rate over >=20 requests")
}

func TestRepeatedErrorSignatureAlertFiresAtFiveOccurrences(t *testing.T) {
	c := New(100, 100, nil)
	fixedNow := time.Date(2026, 2, 5, 10, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return fixedNow }

	for i := 0; i < 5; i++ {
		c.RecordHTTPExchange("POST", "/wsfe/caea/queue/solicitar", 200, time.Millisecond, nil, "Network error")
	}

	alerts := c.BuildAlerts()
	var found bool
	for _, a := range alerts {
		if a.Kind == "repeated_error_signature" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestTokenExpiringAlertFiresFromTicketRenewedEvent(t *testing.T) {
	c := New(100, 100, nil)
	fixedNow := time.Date(2026, 2, 5, 10, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return fixedNow }

	c.EmitDomainEvent("ticket_renewed", "wsfe", "ticket renewed", map[string]any{
		"expires_at": fixedNow.Add(10 * time.Minute),
	})

	alerts := c.BuildAlerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, "wsfe_token_expiring", alerts[0].Kind)
}

func TestBuildErrorsGroupsByErrorTypeAndEndpoint(t *testing.T) {
	c := New(100, 100, nil)
	fixedNow := time.Date(2026, 2, 5, 10, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return fixedNow }

	c.RecordHTTPExchange("POST", "/wsfe/invoices", 502, time.Millisecond, nil, "HTTP Error")
	c.RecordHTTPExchange("POST", "/wsfe/invoices", 502, time.Millisecond, nil, "HTTP Error")
	c.RecordHTTPExchange("POST", "/wsfe/caea/queue/solicitar", 500, time.Millisecond, nil, "Network error")

	byType := c.BuildErrors(time.Hour, GroupByErrorType)
	require.Len(t, byType, 2)
	assert.Equal(t, "HTTP Error", byType[0].Key)
	assert.Equal(t, 2, byType[0].Count)

	byEndpoint := c.BuildErrors(time.Hour, GroupByEndpoint)
	require.Len(t, byEndpoint, 2)
}
