package publisher

import (
	"sync"
	"testing"
	"time"

	"github.com/hadijannat/vplc/internal/fault"
	"github.com/stretchr/testify/assert"
)

func TestSnapshot_ReturnsZeroValueBeforeAnyPublish(t *testing.T) {
	p := New()
	s := p.Snapshot()
	assert.EqualValues(t, 0, s.CycleIndex)
}

func TestPublishThenSnapshot(t *testing.T) {
	p := New()
	p.Publish(CycleState{CycleIndex: 42, RuntimeState: fault.Running})
	s := p.Snapshot()
	assert.EqualValues(t, 42, s.CycleIndex)
	assert.Equal(t, fault.Running, s.RuntimeState)
}

func TestSubscribeReceivesPublishedStates(t *testing.T) {
	p := New()
	stream, cancel := p.Subscribe(4)
	defer cancel()

	p.Publish(CycleState{CycleIndex: 1})
	p.Publish(CycleState{CycleIndex: 2})

	assert.EqualValues(t, 1, (<-stream).CycleIndex)
	assert.EqualValues(t, 2, (<-stream).CycleIndex)
}

func TestSubscribeDoesNotBlockPublishWhenFull(t *testing.T) {
	p := New()
	stream, cancel := p.Subscribe(1)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := uint64(0); i < 100; i++ {
			p.Publish(CycleState{CycleIndex: i})
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full, unread subscriber channel")
	}
	<-stream // drain the one buffered state so cancel doesn't leak
}

func TestCancelStopsDeliveryAndClosesChannel(t *testing.T) {
	p := New()
	stream, cancel := p.Subscribe(4)
	cancel()

	p.Publish(CycleState{CycleIndex: 1})

	_, ok := <-stream
	assert.False(t, ok, "channel should be closed after cancel")
}

func TestMonotonicPublicationUnderConcurrentReaders(t *testing.T) {
	p := New()
	var wg sync.WaitGroup
	stop := make(chan struct{})

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var lastSeen uint64
			for {
				select {
				case <-stop:
					return
				default:
					s := p.Snapshot()
					assert.GreaterOrEqual(t, s.CycleIndex, lastSeen)
					lastSeen = s.CycleIndex
				}
			}
		}()
	}

	for i := uint64(1); i <= 10_000; i++ {
		p.Publish(CycleState{CycleIndex: i})
	}
	close(stop)
	wg.Wait()
}
