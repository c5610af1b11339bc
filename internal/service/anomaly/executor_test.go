package anomaly

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/verscienta/health-security/internal/domain/security"
	"github.com/verscienta/health-security/internal/infrastructure/notification"
	"github.com/verscienta/health-security/internal/infrastructure/store"
	"github.com/verscienta/health-security/internal/metrics"
)

type captureNotifier struct {
	mu    sync.Mutex
	notes []notification.Notification
}

func (c *captureNotifier) Notify(n notification.Notification) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notes = append(c.notes, n)
}

func (c *captureNotifier) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.notes)
}

type captureTerminator struct {
	terminated []string
}

func (c *captureTerminator) RemoveAll(_ context.Context, userID string) int {
	c.terminated = append(c.terminated, userID)
	return 2
}

func newTestExecutor(t *testing.T, historyLimit int, retention time.Duration) (*Executor, *captureNotifier, *captureTerminator, store.Store) {
	t.Helper()

	notifier := &captureNotifier{}
	terminator := &captureTerminator{}
	s := store.NewLocalStore(zaptest.NewLogger(t))

	e := NewExecutor(historyLimit, retention, notifier, terminator, s,
		zaptest.NewLogger(t), metrics.NewRegistry(prometheus.NewRegistry()))

	return e, notifier, terminator, s
}

func TestHandleEventResponses(t *testing.T) {
	ctx := context.Background()

	t.Run("alert user", func(t *testing.T) {
		e, notifier, terminator, _ := newTestExecutor(t, 100, time.Hour)

		e.HandleEvent(ctx, security.NewSecurityEvent(security.EventDeviceChange, "u1", nil))

		assert.Equal(t, 1, notifier.count())
		assert.Empty(t, terminator.terminated)
	})

	t.Run("force logout", func(t *testing.T) {
		e, notifier, terminator, _ := newTestExecutor(t, 100, time.Hour)

		e.HandleEvent(ctx, security.NewSecurityEvent(security.EventSuspectedHijack, "u1", nil))

		assert.Equal(t, []string{"u1"}, terminator.terminated)
		assert.Equal(t, 1, notifier.count(), "forced logout still alerts the user")
	})

	t.Run("require second factor", func(t *testing.T) {
		e, _, terminator, _ := newTestExecutor(t, 100, time.Hour)

		assert.False(t, e.RequiresSecondFactor(ctx, "u1"))

		e.HandleEvent(ctx, security.NewSecurityEvent(security.EventConcurrentSession, "u1", nil))

		assert.True(t, e.RequiresSecondFactor(ctx, "u1"))
		assert.False(t, e.RequiresSecondFactor(ctx, "u2"))
		assert.Empty(t, terminator.terminated)
	})

	t.Run("nil event is ignored", func(t *testing.T) {
		e, notifier, _, _ := newTestExecutor(t, 100, time.Hour)
		e.HandleEvent(ctx, nil)
		assert.Equal(t, 0, notifier.count())
	})
}

func TestEventHistory(t *testing.T) {
	ctx := context.Background()

	t.Run("records per user", func(t *testing.T) {
		e, _, _, _ := newTestExecutor(t, 100, time.Hour)

		e.HandleEvent(ctx, security.NewSecurityEvent(security.EventDeviceChange, "u1", nil))
		e.HandleEvent(ctx, security.NewSecurityEvent(security.EventDataExfiltration, "u1", nil))
		e.HandleEvent(ctx, security.NewSecurityEvent(security.EventDeviceChange, "u2", nil))

		assert.Len(t, e.EventsFor("u1"), 2)
		assert.Len(t, e.EventsFor("u2"), 1)
		assert.Empty(t, e.EventsFor("u3"))
	})

	t.Run("caps per-user history, oldest dropped", func(t *testing.T) {
		e, _, _, _ := newTestExecutor(t, 5, time.Hour)

		var first *security.SecurityEvent
		for i := 0; i < 7; i++ {
			ev := security.NewSecurityEvent(security.EventDeviceChange, "u1", map[string]interface{}{"seq": i})
			if i == 0 {
				first = ev
			}
			e.HandleEvent(ctx, ev)
		}

		events := e.EventsFor("u1")
		require.Len(t, events, 5)
		for _, ev := range events {
			assert.NotEqual(t, first.ID, ev.ID, "oldest events fall off the cap")
		}
		assert.Equal(t, 6, events[len(events)-1].Metadata["seq"])
	})
}

func TestSweep(t *testing.T) {
	ctx := context.Background()
	e, _, _, _ := newTestExecutor(t, 100, 50*time.Millisecond)

	e.HandleEvent(ctx, security.NewSecurityEvent(security.EventDeviceChange, "u1", nil))

	assert.Equal(t, 0, e.Sweep(), "fresh events survive")

	time.Sleep(60 * time.Millisecond)

	e.HandleEvent(ctx, security.NewSecurityEvent(security.EventDeviceChange, "u1", nil))

	assert.Equal(t, 1, e.Sweep())
	assert.Len(t, e.EventsFor("u1"), 1, "only the aged event is removed")
}

func TestSweepDropsEmptyUsers(t *testing.T) {
	ctx := context.Background()
	e, _, _, _ := newTestExecutor(t, 100, 10*time.Millisecond)

	for i := 0; i < 3; i++ {
		e.HandleEvent(ctx, security.NewSecurityEvent(security.EventDeviceChange, fmt.Sprintf("u%d", i), nil))
	}

	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, 3, e.Sweep())
	for i := 0; i < 3; i++ {
		assert.Empty(t, e.EventsFor(fmt.Sprintf("u%d", i)))
	}
}
