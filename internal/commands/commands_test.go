package commands

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lookout/internal/delivery"
	"lookout/internal/keypool"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func TestExecuteDispatchesByName(t *testing.T) {
	r := NewRegistry(testLogger())
	r.Register(Command{
		Name:        "echo",
		Description: "echo arguments",
		Handler: func(_ context.Context, args []string) (string, error) {
			return "echo: " + args[0], nil
		},
	})

	out, err := r.Execute(context.Background(), "  Echo hello ")
	require.NoError(t, err)
	assert.Equal(t, "echo: hello", out)
}

func TestExecuteUnknownCommandReturnsHelp(t *testing.T) {
	r := NewRegistry(testLogger())

	out, err := r.Execute(context.Background(), "bogus")

	require.ErrorIs(t, err, ErrUnknownCommand)
	assert.Contains(t, out, "Available commands:")
	assert.Contains(t, out, "help")
}

func TestHelpListsEveryRegisteredCommand(t *testing.T) {
	r := NewRegistry(testLogger())
	RegisterStandard(r, Sources{})

	out, err := r.Execute(context.Background(), "help")
	require.NoError(t, err)

	for _, name := range []string{"help", "status", "keys", "queues", "stages"} {
		assert.Contains(t, out, name)
	}
	assert.Equal(t, []string{"help", "keys", "queues", "stages", "status"}, r.Names())
}

func TestStatusCommandRendersSources(t *testing.T) {
	r := NewRegistry(testLogger())
	RegisterStandard(r, Sources{
		RequestRate:  func() float64 { return 0.72 },
		BreakerState: func() string { return "closed" },
		LastPoll:     func() time.Time { return time.Now().Add(-30 * time.Second) },
	})

	out, err := r.Execute(context.Background(), "status")
	require.NoError(t, err)
	assert.Contains(t, out, "request rate: 0.72 rps")
	assert.Contains(t, out, "upstream breaker: closed")
	assert.Contains(t, out, "last poll: 30s ago")
}

func TestKeysCommandMarksCurrentCredential(t *testing.T) {
	r := NewRegistry(testLogger())
	RegisterStandard(r, Sources{
		CredentialHealth: func() []keypool.Health {
			return []keypool.Health{
				{CredentialID: "key-0", Current: true},
				{CredentialID: "key-1", RateLimited: true, ConsecutiveFailures: 2},
			}
		},
	})

	out, err := r.Execute(context.Background(), "keys")
	require.NoError(t, err)
	assert.Contains(t, out, "* key-0: healthy")
	assert.Contains(t, out, "key-1: cooling down")
	assert.Contains(t, out, "failures: 2")
}

func TestQueuesCommandRendersStats(t *testing.T) {
	r := NewRegistry(testLogger())
	RegisterStandard(r, Sources{
		QueueStats: func() map[string]delivery.Stats {
			return map[string]delivery.Stats{
				"telegram": {Depth: 3, Sent: 10, Dropped: 1},
			}
		},
		Undelivered: func(context.Context) (int, error) { return 4, nil },
	})

	out, err := r.Execute(context.Background(), "queues")
	require.NoError(t, err)
	assert.Contains(t, out, "telegram: depth=3 sent=10")
	assert.Contains(t, out, "undelivered in store: 4")
}

func TestEmptyInputShowsHelpWithoutError(t *testing.T) {
	r := NewRegistry(testLogger())

	out, err := r.Execute(context.Background(), "   ")
	require.NoError(t, err)
	assert.Contains(t, out, "Available commands:")
}
