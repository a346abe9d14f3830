package metrics

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGaugesAndCountersRecordWithoutPanicking(t *testing.T) {
	QueueDepth.WithLabelValues("pending").Set(3)
	BudgetUsagePercent.Set(42.5)
	LiveUsagePercent.Set(10)
	SchedulerDenialsTotal.WithLabelValues("budget_exhausted").Inc()
	PhaseDurationSeconds.WithLabelValues("worker").Observe(12.3)
	TaskCostUSD.Observe(0.15)
	TasksTotal.WithLabelValues("complete").Inc()
	AutoGeneratedTasksTotal.WithLabelValues("llm").Inc()
}

func TestServerStartAndStop(t *testing.T) {
	srv := NewServer("127.0.0.1:0", "", nil)
	require.NoError(t, srv.Start(context.Background()))
	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, srv.Stop(ctx))

	// calling Stop on a server that was never started is a no-op.
	fresh := NewServer("127.0.0.1:0", "/metrics", nil)
	require.NoError(t, fresh.Stop(ctx))
	_ = http.StatusOK
}
