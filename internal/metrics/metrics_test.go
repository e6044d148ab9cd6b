package metrics

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_Counters(t *testing.T) {
	r := NewRegistry()

	r.IncrementCounter("tool_calls_total", map[string]string{"tool": "search_chat_contacts"}, "calls")
	r.IncrementCounter("tool_calls_total", map[string]string{"tool": "search_chat_contacts"}, "calls")
	r.AddToCounter("tool_calls_total", 3, map[string]string{"tool": "send_chat_message"}, "calls")

	snap := r.Snapshot()
	require.Len(t, snap.Counters, 2)
	assert.Equal(t, 2.0, snap.Counters["tool_calls_total_tool:search_chat_contacts"].Value)
	assert.Equal(t, 3.0, snap.Counters["tool_calls_total_tool:send_chat_message"].Value)
	assert.Equal(t, Counter, snap.Counters["tool_calls_total_tool:send_chat_message"].Type)
}

func TestRegistry_Gauges(t *testing.T) {
	r := NewRegistry()

	r.AddToGauge("sync_loops_active", 1, nil, "")
	r.AddToGauge("sync_loops_active", 1, nil, "")
	r.AddToGauge("sync_loops_active", -1, nil, "")
	r.SetGauge("cached_clients", 7, nil, "")

	snap := r.Snapshot()
	assert.Equal(t, 1.0, snap.Gauges["sync_loops_active"].Value)
	assert.Equal(t, 7.0, snap.Gauges["cached_clients"].Value)
}

func TestRegistry_Timers(t *testing.T) {
	r := NewRegistry()

	for i := 1; i <= 20; i++ {
		r.RecordTimer("resolve_duration", time.Duration(i)*time.Millisecond, nil, "")
	}

	timer := r.Snapshot().Timers["resolve_duration"]
	assert.Equal(t, int64(20), timer.Count)
	assert.InDelta(t, 1.0, timer.Min, 0.001)
	assert.InDelta(t, 20.0, timer.Max, 0.001)
	assert.InDelta(t, 10.5, timer.Average, 0.001)
	assert.InDelta(t, 20.0, timer.P95, 0.001)
	assert.Nil(t, timer.samples)
}

func TestMetricKey_LabelOrderIndependent(t *testing.T) {
	a := metricKey("m", map[string]string{"platform": "telegram", "tool": "x"})
	b := metricKey("m", map[string]string{"tool": "x", "platform": "telegram"})
	assert.Equal(t, a, b)
	assert.Equal(t, "m_platform:telegram_tool:x", a)
	assert.Equal(t, "m", metricKey("m", nil))
}

func TestRegistry_Concurrent(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.IncrementCounter("c", nil, "")
			r.RecordTimer("t", time.Millisecond, nil, "")
			_ = r.Snapshot()
		}()
	}
	wg.Wait()

	assert.Equal(t, 50.0, r.Snapshot().Counters["c"].Value)
}

func TestCopyLabels(t *testing.T) {
	assert.Nil(t, copyLabels(nil))

	orig := map[string]string{"a": "1"}
	c := copyLabels(orig)
	orig["a"] = "2"
	assert.Equal(t, "1", c["a"])
}
