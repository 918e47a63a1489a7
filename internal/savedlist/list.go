// Package savedlist keeps the ordered set of entries the user wants
// available offline.
package savedlist

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pders01/stow/internal/debuglog"
	"github.com/pders01/stow/internal/resource"
	"github.com/pders01/stow/internal/storage"
)

// State is the sync state of one saved entry.
type State string

const (
	StatePending  State = "pending"
	StateFetching State = "fetching"
	StateComplete State = "complete"
	StateFailed   State = "failed"
)

// IsFinished reports whether no further work is planned for the state.
func (s State) IsFinished() bool {
	return s == StateComplete || s == StateFailed
}

// Entry is one saved page.
type Entry struct {
	Key      string
	AddedAt  time.Time
	State    State
	Terminal bool
	Err      string
}

// Persister stores and restores the list. *storage.Store satisfies it.
type Persister interface {
	SaveEntries(rows []storage.EntryRow) error
	LoadEntries() ([]storage.EntryRow, error)
}

// Evictor releases everything cached on behalf of a removed entry.
type Evictor interface {
	ReleaseOwner(owner string) ([]string, error)
}

// Observer hooks run synchronously after a mutation, outside the list lock.
// EntryRemoved hooks run before the evictor.
type Observer struct {
	EntryAdded   func(Entry)
	EntryRemoved func(Entry)
}

type List struct {
	mu      sync.Mutex
	entries []Entry
	index   map[string]int

	persister Persister
	evictor   Evictor
	report    func(error)
	now       func() time.Time

	obsMu     sync.RWMutex
	observers []Observer
	subs      map[int]chan struct{}
	nextSub   int

	dirty     chan struct{}
	flushMu   sync.Mutex
	done      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
}

type Option func(*List)

func WithEvictor(e Evictor) Option {
	return func(l *List) { l.evictor = e }
}

// WithErrorReporter receives asynchronous persistence and eviction errors.
func WithErrorReporter(fn func(error)) Option {
	return func(l *List) { l.report = fn }
}

func WithClock(now func() time.Time) Option {
	return func(l *List) { l.now = now }
}

// New loads the persisted list and starts the background flusher. Close
// stops it.
func New(p Persister, opts ...Option) (*List, error) {
	l := &List{
		index:     make(map[string]int),
		persister: p,
		report:    func(err error) { debuglog.Errorf("saved list: %v", err) },
		now:       time.Now,
		subs:      make(map[int]chan struct{}),
		dirty:     make(chan struct{}, 1),
		done:      make(chan struct{}),
		stopped:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}

	if p != nil {
		rows, err := p.LoadEntries()
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			if _, dup := l.index[row.Key]; dup || row.Key == "" {
				continue
			}
			state := State(row.State)
			// A fetch interrupted by shutdown is simply pending again.
			if state == StateFetching || state == "" {
				state = StatePending
			}
			l.index[row.Key] = len(l.entries)
			l.entries = append(l.entries, Entry{
				Key:      row.Key,
				AddedAt:  row.AddedAt,
				State:    state,
				Terminal: row.Terminal,
				Err:      row.Err,
			})
		}
		l.sortLocked()
	}

	go l.flushLoop()
	return l, nil
}

// Observe registers hooks for additions and removals.
func (l *List) Observe(o Observer) {
	l.obsMu.Lock()
	defer l.obsMu.Unlock()
	l.observers = append(l.observers, o)
}

// Subscribe returns a channel that receives a value whenever the list
// changes. Notifications coalesce; a slow reader sees at least one signal
// after the latest change.
func (l *List) Subscribe() (<-chan struct{}, func()) {
	l.obsMu.Lock()
	defer l.obsMu.Unlock()
	id := l.nextSub
	l.nextSub++
	ch := make(chan struct{}, 1)
	l.subs[id] = ch
	return ch, func() {
		l.obsMu.Lock()
		defer l.obsMu.Unlock()
		delete(l.subs, id)
	}
}

// Add inserts key, or removes it when already present. added reports which
// of the two happened.
func (l *List) Add(raw string) (bool, error) {
	key, err := resource.EntryKey(raw)
	if err != nil {
		return false, err
	}

	l.mu.Lock()
	if i, ok := l.index[key]; ok {
		removed := l.removeAtLocked(i)
		l.mu.Unlock()
		l.afterRemove([]Entry{removed})
		return false, nil
	}

	e := Entry{Key: key, AddedAt: l.now(), State: StatePending}
	l.index[key] = len(l.entries)
	l.entries = append(l.entries, e)
	l.mu.Unlock()

	l.markDirty()
	l.notify()
	l.obsMu.RLock()
	observers := append([]Observer(nil), l.observers...)
	l.obsMu.RUnlock()
	for _, o := range observers {
		if o.EntryAdded != nil {
			o.EntryAdded(e)
		}
	}
	return true, nil
}

// Remove deletes key. Removing an absent key succeeds.
func (l *List) Remove(raw string) error {
	key, err := resource.EntryKey(raw)
	if err != nil {
		return err
	}

	l.mu.Lock()
	i, ok := l.index[key]
	if !ok {
		l.mu.Unlock()
		return nil
	}
	removed := l.removeAtLocked(i)
	l.mu.Unlock()

	l.afterRemove([]Entry{removed})
	return nil
}

// RemoveAll clears the list.
func (l *List) RemoveAll() error {
	l.mu.Lock()
	removed := l.entries
	l.entries = nil
	l.index = make(map[string]int)
	l.mu.Unlock()

	if len(removed) == 0 {
		return nil
	}
	l.afterRemove(removed)
	return nil
}

func (l *List) removeAtLocked(i int) Entry {
	removed := l.entries[i]
	l.entries = append(l.entries[:i], l.entries[i+1:]...)
	delete(l.index, removed.Key)
	for j := i; j < len(l.entries); j++ {
		l.index[l.entries[j].Key] = j
	}
	return removed
}

func (l *List) afterRemove(removed []Entry) {
	l.markDirty()
	l.notify()

	l.obsMu.RLock()
	observers := append([]Observer(nil), l.observers...)
	l.obsMu.RUnlock()

	for _, e := range removed {
		for _, o := range observers {
			if o.EntryRemoved != nil {
				o.EntryRemoved(e)
			}
		}
		if l.evictor != nil {
			if _, err := l.evictor.ReleaseOwner(e.Key); err != nil {
				l.report(err)
			}
		}
	}
}

// List returns a copy of the entries in insertion order.
func (l *List) List() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

func (l *List) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func (l *List) Contains(raw string) bool {
	_, ok := l.Get(raw)
	return ok
}

func (l *List) Get(raw string) (Entry, bool) {
	key, err := resource.EntryKey(raw)
	if err != nil {
		return Entry{}, false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	i, ok := l.index[key]
	if !ok {
		return Entry{}, false
	}
	return l.entries[i], true
}

// SetState records sync progress for key. It reports false when the entry
// is no longer saved.
func (l *List) SetState(key string, state State, terminal bool, cause error) bool {
	l.mu.Lock()
	i, ok := l.index[key]
	if !ok {
		l.mu.Unlock()
		return false
	}
	e := &l.entries[i]
	changed := e.State != state || e.Terminal != terminal
	e.State = state
	e.Terminal = terminal
	e.Err = ""
	if cause != nil {
		e.Err = cause.Error()
		changed = true
	}
	l.mu.Unlock()

	if changed {
		l.markDirty()
		l.notify()
	}
	return true
}

// sortLocked orders by addedAt, keeping load order for ties.
func (l *List) sortLocked() {
	sort.SliceStable(l.entries, func(i, j int) bool {
		return l.entries[i].AddedAt.Before(l.entries[j].AddedAt)
	})
	for i, e := range l.entries {
		l.index[e.Key] = i
	}
}

func (l *List) notify() {
	l.obsMu.RLock()
	defer l.obsMu.RUnlock()
	for _, ch := range l.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (l *List) markDirty() {
	select {
	case l.dirty <- struct{}{}:
	default:
	}
}

func (l *List) flushLoop() {
	defer close(l.stopped)
	for {
		select {
		case <-l.dirty:
			if err := l.Flush(); err != nil {
				l.report(err)
			}
		case <-l.done:
			return
		}
	}
}

// Flush writes the current list synchronously.
func (l *List) Flush() error {
	if l.persister == nil {
		return nil
	}
	l.flushMu.Lock()
	defer l.flushMu.Unlock()

	l.mu.Lock()
	rows := make([]storage.EntryRow, len(l.entries))
	for i, e := range l.entries {
		rows[i] = storage.EntryRow{
			Key:      e.Key,
			AddedAt:  e.AddedAt,
			State:    string(e.State),
			Terminal: e.Terminal,
			Err:      e.Err,
		}
	}
	l.mu.Unlock()

	return l.persister.SaveEntries(rows)
}

// Close stops the flusher and writes the final state.
func (l *List) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.done)
		<-l.stopped
		err = l.Flush()
	})
	if err != nil {
		return fmt.Errorf("flushing saved list: %w", err)
	}
	return nil
}
