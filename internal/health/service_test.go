package health

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestService_ThresholdAndRecovery(t *testing.T) {
	s := NewService(2, time.Second)
	var fail error = errors.New("connection refused")
	s.Register("redis", KindCache, true, func(context.Context) error { return fail })

	ctx := context.Background()
	require.Error(t, s.Check(ctx, "redis"))
	assert.True(t, s.Healthy(), "one failure is below the threshold")

	snap := s.CheckAll(ctx)
	require.Len(t, snap, 1)
	assert.Equal(t, StatusUnhealthy, snap[0].Status)
	assert.Equal(t, 2, snap[0].FailureCount)
	assert.Equal(t, "connection refused", snap[0].LastError)
	assert.False(t, s.Healthy())

	fail = nil
	require.NoError(t, s.Check(ctx, "redis"))
	snap = s.Snapshot()
	assert.Equal(t, StatusHealthy, snap[0].Status)
	assert.Zero(t, snap[0].FailureCount)
	assert.True(t, s.Healthy())
}

func TestService_NonCriticalNeverFailsOverall(t *testing.T) {
	s := NewService(1, time.Second)
	s.Register("mongo", KindHistory, false, func(context.Context) error { return errors.New("down") })
	s.Register("db", KindDatabase, true, func(context.Context) error { return nil })

	snap := s.CheckAll(context.Background())
	require.Len(t, snap, 2)
	assert.Equal(t, "db", snap[0].Name)
	assert.Equal(t, StatusHealthy, snap[0].Status)
	assert.Equal(t, StatusUnhealthy, snap[1].Status)
	assert.True(t, s.Healthy())
}

func TestService_CheckTimeout(t *testing.T) {
	s := NewService(1, 20*time.Millisecond)
	s.Register("slow", KindProvider, true, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	err := s.Check(context.Background(), "slow")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NoError(t, s.Check(context.Background(), "unregistered"))
}

func TestService_UnknownUntilChecked(t *testing.T) {
	s := NewService(0, 0)
	s.Register("db", KindDatabase, true, func(context.Context) error { return nil })
	assert.Equal(t, StatusUnknown, s.Snapshot()[0].Status)
}

func TestTruncateStr(t *testing.T) {
	assert.Equal(t, "abc", truncateStr("abc", 5))
	assert.Equal(t, strings.Repeat("x", 5)+"...", truncateStr(strings.Repeat("x", 10), 5))
}
