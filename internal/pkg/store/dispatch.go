package store

import (
	"context"
	"sync"
)

// fanout hands updates to subscribers. Every subscriber owns a goroutine and
// an unbounded queue so a slow callback never blocks a writer and callbacks
// may write back to the store.
type fanout struct {
	mu          sync.Mutex
	subscribers map[*subscriber]struct{}
}

type subscriber struct {
	root string
	fn   func(Update)

	mu     sync.Mutex
	queue  []Update
	signal chan struct{}
	done   chan struct{}
	once   sync.Once
}

func newFanout() *fanout {
	return &fanout{subscribers: map[*subscriber]struct{}{}}
}

func (f *fanout) subscribe(ctx context.Context, root string, fn func(Update)) func() {
	s := &subscriber{
		root:   root,
		fn:     fn,
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}

	f.mu.Lock()
	f.subscribers[s] = struct{}{}
	f.mu.Unlock()

	cancel := func() {
		s.once.Do(func() {
			f.mu.Lock()
			delete(f.subscribers, s)
			f.mu.Unlock()

			close(s.done)
		})
	}

	go s.run()

	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-s.done:
		}
	}()

	return cancel
}

func (f *fanout) publish(update Update) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for s := range f.subscribers {
		if Covers(s.root, update.Path) {
			s.push(update)
		}
	}
}

func (f *fanout) close() {
	f.mu.Lock()
	subscribers := make([]*subscriber, 0, len(f.subscribers))

	for s := range f.subscribers {
		subscribers = append(subscribers, s)
	}
	f.mu.Unlock()

	for _, s := range subscribers {
		s.once.Do(func() {
			f.mu.Lock()
			delete(f.subscribers, s)
			f.mu.Unlock()

			close(s.done)
		})
	}
}

func (s *subscriber) push(update Update) {
	s.mu.Lock()
	s.queue = append(s.queue, update)
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *subscriber) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.signal:
		}

		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				s.mu.Unlock()

				break
			}

			update := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()

			select {
			case <-s.done:
				return
			default:
			}

			s.fn(update)
		}
	}
}
