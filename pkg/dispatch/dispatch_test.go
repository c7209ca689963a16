package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/sipeed/omega/pkg/types"
)

func TestSubmit_SameSenderProcessedInArrivalOrderNeverOverlap(t *testing.T) {
	var mu sync.Mutex
	var order []string
	var inFlight int
	var maxInFlight int

	d := New(func(ctx context.Context, msg types.IncomingMessage) {
		mu.Lock()
		inFlight++
		if inFlight > maxInFlight {
			maxInFlight = inFlight
		}
		mu.Unlock()

		time.Sleep(5 * time.Millisecond)

		mu.Lock()
		order = append(order, msg.Text)
		inFlight--
		mu.Unlock()
	}, nil)

	ctx := context.Background()
	d.Submit(ctx, types.IncomingMessage{Channel: "tg", SenderID: "s1", Text: "A"})
	time.Sleep(1 * time.Millisecond)
	d.Submit(ctx, types.IncomingMessage{Channel: "tg", SenderID: "s1", Text: "B"})
	time.Sleep(1 * time.Millisecond)
	d.Submit(ctx, types.IncomingMessage{Channel: "tg", SenderID: "s1", Text: "C"})

	d.Wait()

	assert.Equal(t, []string{"A", "B", "C"}, order)
	assert.Equal(t, 1, maxInFlight)
}

func TestSubmit_DistinctSendersRunInParallel(t *testing.T) {
	var wg sync.WaitGroup
	wg.Add(2)
	start := make(chan struct{})

	d := New(func(ctx context.Context, msg types.IncomingMessage) {
		<-start
		wg.Done()
	}, nil)

	ctx := context.Background()
	d.Submit(ctx, types.IncomingMessage{Channel: "tg", SenderID: "s1", Text: "A"})
	d.Submit(ctx, types.IncomingMessage{Channel: "tg", SenderID: "s2", Text: "B"})

	close(start)
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("distinct senders did not run in parallel")
	}
	d.Wait()
}

func TestSubmit_AckEmittedOnceWhileBusy(t *testing.T) {
	release := make(chan struct{})
	var acks int
	var mu sync.Mutex

	d := New(func(ctx context.Context, msg types.IncomingMessage) {
		if msg.Text == "A" {
			<-release
		}
	}, func(msg types.IncomingMessage) {
		mu.Lock()
		acks++
		mu.Unlock()
	})

	ctx := context.Background()
	d.Submit(ctx, types.IncomingMessage{Channel: "tg", SenderID: "s1", Text: "A"})
	time.Sleep(5 * time.Millisecond)
	d.Submit(ctx, types.IncomingMessage{Channel: "tg", SenderID: "s1", Text: "B"})
	d.Submit(ctx, types.IncomingMessage{Channel: "tg", SenderID: "s1", Text: "C"})
	close(release)
	d.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, acks)
}
