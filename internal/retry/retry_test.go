package retry

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTransient = errors.New("transient")

func TestDo(t *testing.T) {
	tests := []struct {
		name      string
		attempts  int
		failFirst int // calls that fail before success; -1 fails forever
		wantCalls int
		wantErr   bool
	}{
		{name: "first try", attempts: 3, failFirst: 0, wantCalls: 1},
		{name: "succeeds on retry", attempts: 3, failFirst: 2, wantCalls: 3},
		{name: "exhausted", attempts: 3, failFirst: -1, wantCalls: 3, wantErr: true},
		{name: "zero attempts runs once", attempts: 0, failFirst: -1, wantCalls: 1, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := Do(context.Background(), tt.attempts, time.Millisecond, func() error {
				calls++
				if tt.failFirst < 0 || calls <= tt.failFirst {
					return errTransient
				}
				return nil
			})
			assert.Equal(t, tt.wantCalls, calls)
			if tt.wantErr {
				assert.ErrorIs(t, err, errTransient)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDo_PermanentStops(t *testing.T) {
	sentinel := errors.New("rejected")
	calls := 0
	err := Do(context.Background(), 5, time.Millisecond, func() error {
		calls++
		return Permanent(sentinel)
	})
	assert.Equal(t, sentinel, err)
	assert.Equal(t, 1, calls)
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	err := Do(ctx, 10, 100*time.Millisecond, func() error {
		calls.Add(1)
		return errTransient
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.LessOrEqual(t, calls.Load(), int32(3))
}

func TestDo_WaitsBetweenAttempts(t *testing.T) {
	var stamps []time.Time
	err := Do(context.Background(), 3, 20*time.Millisecond, func() error {
		stamps = append(stamps, time.Now())
		if len(stamps) < 3 {
			return errTransient
		}
		return nil
	})
	require.NoError(t, err)
	require.Len(t, stamps, 3)
	for i := 1; i < len(stamps); i++ {
		assert.GreaterOrEqual(t, stamps[i].Sub(stamps[i-1]), 10*time.Millisecond)
	}
}

func TestValue(t *testing.T) {
	calls := 0
	got, err := Value(context.Background(), 3, time.Millisecond, func() (int, error) {
		calls++
		if calls < 2 {
			return 0, errTransient
		}
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, got)
	assert.Equal(t, 2, calls)
}

func TestValue_Permanent(t *testing.T) {
	sentinel := errors.New("reverted")
	calls := 0
	_, err := Value(context.Background(), 5, time.Millisecond, func() ([]int, error) {
		calls++
		return nil, Permanent(sentinel)
	})
	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, 1, calls)
}
