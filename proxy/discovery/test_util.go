package discovery

import (
	"context"
	"sync"
)

// FakeBrowser is a Browser whose events are injected with Send. It is
// intended for tests.
type FakeBrowser struct {
	mu     sync.Mutex
	events map[string]chan Event
}

// NewFakeBrowser creates an empty FakeBrowser.
func NewFakeBrowser() *FakeBrowser {
	return &FakeBrowser{events: make(map[string]chan Event)}
}

// Browse delivers events sent for serviceType until ctx is done.
func (f *FakeBrowser) Browse(ctx context.Context, serviceType string, handle func(Event)) error {
	ch := f.channel(serviceType)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-ch:
			handle(ev)
		}
	}
}

// Send blocks until a browse for serviceType has received ev, or until ctx
// is done.
func (f *FakeBrowser) Send(ctx context.Context, serviceType string, ev Event) error {
	select {
	case f.channel(serviceType) <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *FakeBrowser) channel(serviceType string) chan Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.events[serviceType]
	if !ok {
		ch = make(chan Event)
		f.events[serviceType] = ch
	}
	return ch
}
