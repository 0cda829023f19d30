package service

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	v1 "integrahub/pkg/api/v1"
	"integrahub/pkg/logger"
)

func init() {
	logger.InitLogger("test")
}

type MockFeedObserver struct {
	online atomic.Int64
	pushes atomic.Int64
}

func (m *MockFeedObserver) IncOnline()  { m.online.Add(1) }
func (m *MockFeedObserver) DecOnline()  { m.online.Add(-1) }
func (m *MockFeedObserver) RecordPush() { m.pushes.Add(1) }

func TestHub_AssignsSequenceAndFilters(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	obs := &MockFeedObserver{}
	hub := NewHub(obs, time.Hour, 16)
	go hub.Run(ctx)

	crm := &Subscriber{Send: make(chan v1.DeliveryNotice, 8), Systems: map[string]bool{"crm": true}}
	all := &Subscriber{Send: make(chan v1.DeliveryNotice, 8)}
	hub.Register <- crm
	hub.Register <- all

	hub.Notify(v1.DeliveryNotice{SystemName: "billing", Outcome: v1.OutcomeSent})
	hub.Notify(v1.DeliveryNotice{SystemName: "crm", Outcome: v1.OutcomeRetry})

	first := <-all.Send
	second := <-all.Send
	if first.Seq != 1 || second.Seq != 2 {
		t.Errorf("expected seq 1,2 got %d,%d", first.Seq, second.Seq)
	}

	got := <-crm.Send
	if got.SystemName != "crm" || got.Seq != 2 {
		t.Errorf("crm subscriber got %+v", got)
	}

	msgs, ok := hub.GetSince(1)
	if !ok || len(msgs) != 1 || msgs[0].Seq != 2 {
		t.Errorf("buffer catch-up returned %+v ok=%v", msgs, ok)
	}
	if obs.online.Load() != 2 {
		t.Errorf("expected 2 online, got %d", obs.online.Load())
	}
}

func TestHub_Heartbeat(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewHub(&MockFeedObserver{}, 10*time.Millisecond, 16)
	go hub.Run(ctx)

	s := &Subscriber{Send: make(chan v1.DeliveryNotice, 8), Systems: map[string]bool{"crm": true}}
	hub.Register <- s

	select {
	case n := <-s.Send:
		if n.Outcome != v1.OutcomePing {
			t.Errorf("expected ping, got %q", n.Outcome)
		}
	case <-time.After(time.Second):
		t.Fatal("no heartbeat received")
	}
}

func TestHub_Concurrency(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewHub(&MockFeedObserver{}, 100*time.Millisecond, 512)
	go hub.Run(ctx)

	var wg sync.WaitGroup
	clientCount := 50
	msgCount := 200
	clients := make([]*Subscriber, clientCount)

	for i := 0; i < clientCount; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			c := &Subscriber{Send: make(chan v1.DeliveryNotice, 50)}
			clients[idx] = c
			hub.Register <- c
		}(i)
	}
	wg.Wait()

	broadcastDone := make(chan struct{})
	go func() {
		for i := 0; i < msgCount; i++ {
			hub.Broadcast <- v1.DeliveryNotice{SystemName: "crm", Outcome: v1.OutcomeSent}
			if i%10 == 0 {
				time.Sleep(time.Millisecond)
			}
		}
		close(broadcastDone)
	}()

	go func() {
		for i := 0; i < clientCount/2; i++ {
			time.Sleep(2 * time.Millisecond)
			hub.Unregister <- clients[i]
		}
	}()

	var readWg sync.WaitGroup
	for i := 0; i < clientCount; i++ {
		readWg.Add(1)
		go func(c *Subscriber) {
			defer readWg.Done()
			timeout := time.After(3 * time.Second)
			for {
				select {
				case _, ok := <-c.Send:
					if !ok {
						return
					}
				case <-broadcastDone:
					for {
						select {
						case _, ok := <-c.Send:
							if !ok {
								return
							}
						default:
							return
						}
					}
				case <-timeout:
					return
				}
			}
		}(clients[i])
	}
	readWg.Wait()
}

func TestHub_JoinAndLeaveAfterStop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	hub := NewHub(&MockFeedObserver{}, time.Hour, 16)
	stopped := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(stopped)
	}()

	s := &Subscriber{Send: make(chan v1.DeliveryNotice, 1)}
	if !hub.Join(s) {
		t.Fatal("join on a running hub must succeed")
	}
	cancel()
	<-stopped

	if _, ok := <-s.Send; ok {
		t.Error("subscriber channel should be closed on shutdown")
	}
	if hub.Join(&Subscriber{Send: make(chan v1.DeliveryNotice, 1)}) {
		t.Error("join on a stopped hub must fail")
	}
	hub.Leave(s)
}
