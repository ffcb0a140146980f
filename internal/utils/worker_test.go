package utils_test

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"matchcore/internal/utils"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tomb "gopkg.in/tomb.v2"
)

func TestWorkerPool_RunsEveryTask(t *testing.T) {
	pool := utils.NewWorkerPool(4)
	tb := &tomb.Tomb{}

	var sum atomic.Int64
	var wg sync.WaitGroup
	pool.Setup(tb, func(_ *tomb.Tomb, task any) error {
		defer wg.Done()
		sum.Add(int64(task.(int)))
		return nil
	})

	for i := 1; i <= 50; i++ {
		wg.Add(1)
		require.True(t, pool.AddTask(tb, i))
	}
	wg.Wait()
	assert.Equal(t, int64(1275), sum.Load())

	tb.Kill(nil)
	assert.NoError(t, tb.Wait())
}

func TestWorkerPool_BoundsConcurrency(t *testing.T) {
	pool := utils.NewWorkerPool(2)
	tb := &tomb.Tomb{}

	var running, peak atomic.Int32
	release := make(chan struct{})
	pool.Setup(tb, func(_ *tomb.Tomb, _ any) error {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		running.Add(-1)
		return nil
	})

	for i := 0; i < 5; i++ {
		require.True(t, pool.AddTask(tb, i))
	}
	require.Eventually(t, func() bool { return running.Load() == 2 }, time.Second, time.Millisecond)
	close(release)

	tb.Kill(nil)
	require.NoError(t, tb.Wait())
	assert.Equal(t, int32(2), peak.Load())
}

func TestWorkerPool_ErrorKillsTomb(t *testing.T) {
	pool := utils.NewWorkerPool(1)
	tb := &tomb.Tomb{}
	boom := errors.New("boom")

	pool.Setup(tb, func(_ *tomb.Tomb, _ any) error { return boom })
	require.True(t, pool.AddTask(tb, struct{}{}))

	assert.ErrorIs(t, tb.Wait(), boom)
}
