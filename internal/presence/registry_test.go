package presence

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
)

// recordingPusher captures pushed events for assertions.
type recordingPusher struct {
	mu     sync.Mutex
	events []pushedEvent
	err    error
}

type pushedEvent struct {
	event   string
	payload any
}

func (p *recordingPusher) Push(_ context.Context, event string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, pushedEvent{event, payload})
	return nil
}

func (p *recordingPusher) lastOnlineSet(t *testing.T) []string {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := len(p.events) - 1; i >= 0; i-- {
		if p.events[i].event == EventOnlineUsers {
			return p.events[i].payload.([]string)
		}
	}
	t.Fatal("no online-set broadcast recorded")
	return nil
}

func (p *recordingPusher) count(event string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e.event == event {
			n++
		}
	}
	return n
}

func TestConnectRegistersAndBroadcasts(t *testing.T) {
	r := NewRegistry()
	ctx := context.Background()

	pa := &recordingPusher{}
	ha := NewHandle("alice", pa)
	r.Connect(ctx, ha)

	if !r.IsOnline("alice") {
		t.Error("alice should be online after connect")
	}
	if got := pa.lastOnlineSet(t); !reflect.DeepEqual(got, []string{"alice"}) {
		t.Errorf("broadcast = %v, want [alice]", got)
	}

	pb := &recordingPusher{}
	r.Connect(ctx, NewHandle("bob", pb))

	// Both parties receive the full updated set
	want := []string{"alice", "bob"}
	if got := pa.lastOnlineSet(t); !reflect.DeepEqual(got, want) {
		t.Errorf("alice's broadcast = %v, want %v", got, want)
	}
	if got := pb.lastOnlineSet(t); !reflect.DeepEqual(got, want) {
		t.Errorf("bob's broadcast = %v, want %v", got, want)
	}
}

func TestConnectWithoutIdentityIgnored(t *testing.T) {
	r := NewRegistry()
	ctx := context.Background()

	observer := &recordingPusher{}
	r.Connect(ctx, NewHandle("alice", observer))
	before := observer.count(EventOnlineUsers)

	r.Connect(ctx, NewHandle("", &recordingPusher{}))

	if got := r.Online(); !reflect.DeepEqual(got, []string{"alice"}) {
		t.Errorf("online = %v, want [alice]", got)
	}
	if after := observer.count(EventOnlineUsers); after != before {
		t.Errorf("identity-less connect triggered a broadcast: %d -> %d", before, after)
	}
}

func TestReconnectReplacesHandle(t *testing.T) {
	r := NewRegistry()
	ctx := context.Background()

	first := NewHandle("alice", &recordingPusher{})
	second := NewHandle("alice", &recordingPusher{})
	r.Connect(ctx, first)
	r.Connect(ctx, second)

	if got := r.Online(); !reflect.DeepEqual(got, []string{"alice"}) {
		t.Errorf("online = %v, want exactly one alice entry", got)
	}
	cur, ok := r.Lookup("alice")
	if !ok || cur != second {
		t.Error("registry should hold the most recent handle")
	}
	if !first.Stale() {
		t.Error("replaced handle should be stale")
	}
	if err := first.Push(ctx, EventNewMessage, nil); !errors.Is(err, ErrStaleHandle) {
		t.Errorf("push on replaced handle = %v, want ErrStaleHandle", err)
	}
}

func TestStaleDisconnectDoesNotEvictFreshConnection(t *testing.T) {
	r := NewRegistry()
	ctx := context.Background()

	first := NewHandle("alice", &recordingPusher{})
	second := NewHandle("alice", &recordingPusher{})
	r.Connect(ctx, first)
	r.Connect(ctx, second)

	// Late-arriving disconnect from the superseded connection
	r.Disconnect(ctx, first)

	if !r.IsOnline("alice") {
		t.Fatal("fresh connection was evicted by a stale disconnect")
	}
	cur, _ := r.Lookup("alice")
	if cur != second {
		t.Error("registered handle changed after stale disconnect")
	}

	r.Disconnect(ctx, second)
	if r.IsOnline("alice") {
		t.Error("alice should be offline after disconnecting the live handle")
	}
}

func TestDuplicateDisconnectIsNoop(t *testing.T) {
	r := NewRegistry()
	ctx := context.Background()

	observer := &recordingPusher{}
	r.Connect(ctx, NewHandle("bob", observer))

	h := NewHandle("alice", &recordingPusher{})
	r.Connect(ctx, h)
	r.Disconnect(ctx, h)
	before := observer.count(EventOnlineUsers)

	// Second disconnect must neither panic nor rebroadcast
	r.Disconnect(ctx, h)
	if after := observer.count(EventOnlineUsers); after != before {
		t.Errorf("duplicate disconnect triggered a broadcast: %d -> %d", before, after)
	}
}

func TestPublishToOfflineUser(t *testing.T) {
	r := NewRegistry()

	err := r.Publish(context.Background(), EventNewMessage, "payload", TargetUser("ghost"))
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("publish to offline user = %v, want ErrNotConnected", err)
	}
}

func TestPublishToAllSurvivesFailingConnection(t *testing.T) {
	r := NewRegistry()
	ctx := context.Background()

	broken := &recordingPusher{err: errors.New("write failed")}
	healthy := &recordingPusher{}
	r.Connect(ctx, NewHandle("alice", broken))
	r.Connect(ctx, NewHandle("bob", healthy))

	if err := r.Publish(ctx, EventOnlineUsers, []string{"x"}, TargetAll()); err != nil {
		t.Fatalf("broadcast returned error: %v", err)
	}
	if healthy.count(EventOnlineUsers) == 0 {
		t.Error("healthy connection should receive broadcast despite failing peer")
	}
}

func TestConcurrentConnectDisconnect(t *testing.T) {
	r := NewRegistry()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			user := fmt.Sprintf("user-%d", n%10)
			h := NewHandle(user, &recordingPusher{})
			r.Connect(ctx, h)
			if n%2 == 0 {
				r.Disconnect(ctx, h)
			}
		}(i)
	}
	wg.Wait()

	// Registry state must reflect each user's most recent event; at most
	// one entry per identity regardless of interleaving.
	online := r.Online()
	seen := make(map[string]bool, len(online))
	for _, u := range online {
		if seen[u] {
			t.Errorf("duplicate registry entry for %s", u)
		}
		seen[u] = true
	}
}
