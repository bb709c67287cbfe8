package storage

import "sync"

// feed is the per-process pickup change-feed fanout shared by the store
// implementations. Writes publish here after the document write succeeds, so
// subscribers see committed state only. Sends never block: a subscriber that
// stopped draining just misses entries.
type feed struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]*feedSub
}

type feedSub struct {
	filter PickupFilter
	ch     chan PickupChange
}

func newFeed() *feed {
	return &feed{subs: make(map[int]*feedSub)}
}

func (f *feed) subscribe(filter PickupFilter) *Subscription {
	f.mu.Lock()
	id := f.nextID
	f.nextID++
	sub := &feedSub{filter: filter, ch: make(chan PickupChange, 16)}
	f.subs[id] = sub
	f.mu.Unlock()

	var once sync.Once
	return &Subscription{
		ch: sub.ch,
		cancel: func() {
			once.Do(func() {
				f.mu.Lock()
				delete(f.subs, id)
				f.mu.Unlock()
				close(sub.ch)
			})
		},
	}
}

func (f *feed) publish(c PickupChange) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, sub := range f.subs {
		if !sub.filter.matches(c.Pickup) {
			continue
		}
		select {
		case sub.ch <- c:
		default:
		}
	}
}
