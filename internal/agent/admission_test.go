package agent

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"personabot/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func inbound(channelID, messageID string) domain.InboundMessage {
	return domain.InboundMessage{
		ChannelID: channelID,
		MessageID: messageID,
		AuthorID:  "user-1",
		Content:   "hello",
		Timestamp: time.Now(),
	}
}

func TestAdmission_ThirdMessageQueuedAndDrained(t *testing.T) {
	adm := NewAdmission(AdmissionConfig{GlobalLimit: 2, ChannelLimit: 2, Logger: testLogger()})

	var queuedNotices int32
	drained := make(chan string, 4)
	adm.Bind(context.Background(),
		func(msg domain.InboundMessage) { atomic.AddInt32(&queuedNotices, 1) },
		func(msg domain.InboundMessage, ticket *Ticket) {
			drained <- msg.MessageID
			ticket.Release()
		},
	)

	t1, q1 := adm.TryAcquire(inbound("chan-a", "m1"))
	t2, q2 := adm.TryAcquire(inbound("chan-a", "m2"))
	if q1 || q2 {
		t.Fatal("first two messages should be admitted directly")
	}

	t3, q3 := adm.TryAcquire(inbound("chan-a", "m3"))
	if !q3 || t3 != nil {
		t.Fatal("third message should be queued")
	}
	if n := atomic.LoadInt32(&queuedNotices); n != 1 {
		t.Fatalf("expected exactly one queued notice, got %d", n)
	}

	// Nothing drains while both slots are held.
	select {
	case id := <-drained:
		t.Fatalf("message %s drained while at capacity", id)
	case <-time.After(50 * time.Millisecond):
	}

	t1.Release()
	select {
	case id := <-drained:
		if id != "m3" {
			t.Fatalf("drained %s, want m3", id)
		}
	case <-time.After(time.Second):
		t.Fatal("queued message never drained")
	}

	t2.Release()
	if n := atomic.LoadInt32(&queuedNotices); n != 1 {
		t.Fatalf("queued notice repeated: %d", n)
	}
}

func TestAdmission_ReleaseOnOtherChannelDrainsQueue(t *testing.T) {
	adm := NewAdmission(AdmissionConfig{GlobalLimit: 1, ChannelLimit: 1, Logger: testLogger()})

	drained := make(chan string, 1)
	adm.Bind(context.Background(), nil, func(msg domain.InboundMessage, ticket *Ticket) {
		drained <- msg.MessageID
		ticket.Release()
	})

	holder, queued := adm.TryAcquire(inbound("chan-b", "b1"))
	if queued {
		t.Fatal("expected direct admission on chan-b")
	}
	// chan-a queues because chan-b holds the only global slot; chan-a itself
	// has no in-flight request that could trigger its drain.
	if _, queued := adm.TryAcquire(inbound("chan-a", "a1")); !queued {
		t.Fatal("chan-a message should queue while the global slot is held")
	}

	holder.Release()
	select {
	case id := <-drained:
		if id != "a1" {
			t.Fatalf("drained %s, want a1", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("queued message stranded after the global slot was freed")
	}
	if depth := adm.QueueDepth("chan-a"); depth != 0 {
		t.Fatalf("queue depth %d after drain, want 0", depth)
	}
}

func TestAdmission_DoubleReleaseIsNoOp(t *testing.T) {
	adm := NewAdmission(AdmissionConfig{GlobalLimit: 1, ChannelLimit: 1, Logger: testLogger()})
	adm.Bind(context.Background(), nil, func(msg domain.InboundMessage, ticket *Ticket) { ticket.Release() })

	ticket, queued := adm.TryAcquire(inbound("chan-a", "m1"))
	if queued {
		t.Fatal("expected direct admission")
	}
	ticket.Release()
	ticket.Release() // must not free extra capacity

	if _, queued := adm.TryAcquire(inbound("chan-a", "m2")); queued {
		t.Fatal("slot should be free after release")
	}
	// The single slot is now held again; the next message must queue even
	// though the first ticket was released twice.
	if _, queued := adm.TryAcquire(inbound("chan-a", "m3")); !queued {
		t.Fatal("expected queueing, double release freed extra capacity")
	}
}

func TestAdmission_DrainPreservesFIFO(t *testing.T) {
	adm := NewAdmission(AdmissionConfig{GlobalLimit: 1, ChannelLimit: 1, Logger: testLogger()})

	var order []string
	var mu sync.Mutex
	adm.Bind(context.Background(), nil, func(msg domain.InboundMessage, ticket *Ticket) {
		mu.Lock()
		order = append(order, msg.MessageID)
		mu.Unlock()
		ticket.Release()
	})

	ticket, _ := adm.TryAcquire(inbound("chan-a", "m0"))
	for i := 1; i <= 5; i++ {
		if _, queued := adm.TryAcquire(inbound("chan-a", fmt.Sprintf("m%d", i))); !queued {
			t.Fatalf("message m%d should have queued", i)
		}
	}
	ticket.Release()

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		done := len(order) == 5
		mu.Unlock()
		if done {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("drain incomplete: %v", order)
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	for i, id := range order {
		want := fmt.Sprintf("m%d", i+1)
		if id != want {
			t.Fatalf("drain order %v, want FIFO", order)
		}
	}
}

func TestAdmission_CapsNeverExceeded(t *testing.T) {
	const globalCap, channelCap = 4, 2
	adm := NewAdmission(AdmissionConfig{GlobalLimit: globalCap, ChannelLimit: channelCap, Logger: testLogger()})

	var inflight, peak int32
	perChannel := map[string]*int32{"a": new(int32), "b": new(int32), "c": new(int32)}

	work := func(msg domain.InboundMessage, ticket *Ticket) {
		cur := atomic.AddInt32(&inflight, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if cur <= p || atomic.CompareAndSwapInt32(&peak, p, cur) {
				break
			}
		}
		chCur := atomic.AddInt32(perChannel[msg.ChannelID], 1)
		if chCur > channelCap {
			t.Errorf("channel %s concurrency %d exceeds cap", msg.ChannelID, chCur)
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(perChannel[msg.ChannelID], -1)
		atomic.AddInt32(&inflight, -1)
		ticket.Release()
	}
	adm.Bind(context.Background(), nil, work)

	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			channels := []string{"a", "b", "c"}
			msg := inbound(channels[i%3], fmt.Sprintf("m%d", i))
			if ticket, queued := adm.TryAcquire(msg); !queued {
				work(msg, ticket)
			}
		}(i)
	}
	wg.Wait()

	// Wait for drains to finish.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if adm.QueueDepth("a") == 0 && adm.QueueDepth("b") == 0 && adm.QueueDepth("c") == 0 &&
			atomic.LoadInt32(&inflight) == 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	if p := atomic.LoadInt32(&peak); p > globalCap {
		t.Errorf("global concurrency peak %d exceeds cap %d", p, globalCap)
	}
}

func TestAdmission_QueueTTLDropsStaleMessages(t *testing.T) {
	adm := NewAdmission(AdmissionConfig{
		GlobalLimit:  1,
		ChannelLimit: 1,
		QueueTTL:     20 * time.Millisecond,
		Logger:       testLogger(),
	})

	drained := make(chan string, 2)
	adm.Bind(context.Background(), nil, func(msg domain.InboundMessage, ticket *Ticket) {
		drained <- msg.MessageID
		ticket.Release()
	})

	ticket, _ := adm.TryAcquire(inbound("chan-a", "m0"))
	adm.TryAcquire(inbound("chan-a", "stale"))

	time.Sleep(50 * time.Millisecond)
	ticket.Release()

	select {
	case id := <-drained:
		t.Fatalf("expired message %s should not have drained", id)
	case <-time.After(100 * time.Millisecond):
	}
}
