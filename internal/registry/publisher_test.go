package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/hyperjump/vecsync/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestPublisher_DeliversLatestSnapshot(t *testing.T) {
	r := New()
	p := NewPublisher(r, 10*time.Millisecond, zap.NewNop())
	ch, unsubscribe := p.Subscribe()
	defer unsubscribe()

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = p.Run(ctx)
	}()

	r.SetIndexInfo("ws", models.IndexInfo{Size: 5})

	deadline := time.After(2 * time.Second)
	for {
		select {
		case snap := <-ch:
			if info := snap["ws"].IndexInfo; info != nil && info.Size == 5 {
				cancel()
				wg.Wait()
				assert.Equal(t, 5, p.Latest()["ws"].IndexInfo.Size)
				return
			}
		case <-deadline:
			cancel()
			wg.Wait()
			t.Fatal("snapshot not published")
		}
	}
}

func TestPublisher_SlowSubscriberSeesOnlyLatest(t *testing.T) {
	p := NewPublisher(New(), time.Millisecond, nil)
	ch, unsubscribe := p.Subscribe()

	p.publish(Snapshot{"ws": {Workspace: "ws", IndexInfo: &models.IndexInfo{Size: 1}}})
	p.publish(Snapshot{"ws": {Workspace: "ws", IndexInfo: &models.IndexInfo{Size: 2}}})

	snap := <-ch
	assert.Equal(t, 2, snap["ws"].IndexInfo.Size)
	select {
	case <-ch:
		t.Fatal("stale snapshot should have been dropped")
	default:
	}

	unsubscribe()
	unsubscribe()
	_, open := <-ch
	assert.False(t, open)
}

func TestPublisher_NewSubscriberGetsCurrentState(t *testing.T) {
	p := NewPublisher(New(), 0, nil)
	p.publish(Snapshot{"ws": {Workspace: "ws"}})

	ch, unsubscribe := p.Subscribe()
	defer unsubscribe()
	select {
	case snap := <-ch:
		require.Contains(t, snap, "ws")
	default:
		t.Fatal("expected immediate snapshot")
	}
}

func TestPublisher_RunStopsOnCancel(t *testing.T) {
	p := NewPublisher(New(), time.Hour, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, p.Run(ctx))
}
