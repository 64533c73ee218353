package mcpserver

import "sync"

// ChangeNotifier fans a "something changed" signal out to subscribers.
// Signals coalesce: a subscriber that has not drained its channel sees one
// pending signal no matter how many changes happened.
type ChangeNotifier struct {
	mu     sync.Mutex
	subs   map[chan struct{}]struct{}
	closed bool
}

// Notify signals every subscriber without blocking.
func (cn *ChangeNotifier) Notify() {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	for ch := range cn.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Subscribe returns a signal channel and a func that unsubscribes and
// closes it. After Close the channel is returned closed.
func (cn *ChangeNotifier) Subscribe() (<-chan struct{}, func()) {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	ch := make(chan struct{}, 1)
	if cn.closed {
		close(ch)
		return ch, func() {}
	}
	if cn.subs == nil {
		cn.subs = make(map[chan struct{}]struct{})
	}
	cn.subs[ch] = struct{}{}
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			cn.mu.Lock()
			defer cn.mu.Unlock()
			if _, ok := cn.subs[ch]; ok {
				delete(cn.subs, ch)
				close(ch)
			}
		})
	}
}

// Close closes every subscriber channel. Later subscribers get a closed
// channel.
func (cn *ChangeNotifier) Close() {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	if cn.closed {
		return
	}
	cn.closed = true
	for ch := range cn.subs {
		close(ch)
	}
	cn.subs = nil
}
