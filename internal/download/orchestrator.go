// Package download keeps saved entries available offline. It resolves each
// entry to a document, fetches it, discovers the images it references and
// fetches those, with a bounded worker pool shared by every entry.
package download

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pders01/stow/internal/cache"
	"github.com/pders01/stow/internal/config"
	"github.com/pders01/stow/internal/debuglog"
	"github.com/pders01/stow/internal/failure"
	"github.com/pders01/stow/internal/fetch"
	"github.com/pders01/stow/internal/media"
	"github.com/pders01/stow/internal/metrics"
	"github.com/pders01/stow/internal/plugins"
	"github.com/pders01/stow/internal/resource"
	"github.com/pders01/stow/internal/savedlist"
	"github.com/pders01/stow/internal/validation"
)

var (
	ErrRunning = errors.New("orchestrator already running")
	ErrStopped = errors.New("orchestrator not running")
)

// EntryList is the part of the saved list the orchestrator reads and updates.
type EntryList interface {
	List() []savedlist.Entry
	SetState(key string, state savedlist.State, terminal bool, cause error) bool
}

// ResourceStore is the part of the cache the orchestrator writes to.
type ResourceStore interface {
	Lookup(key string, width int) (*cache.Record, bool, error)
	Get(key string, width int) (*cache.Record, bool, error)
	PutRecord(rec *cache.Record) error
	AddOwner(key, owner string) error
}

// Resolver maps an entry key to its document.
type Resolver interface {
	Resolve(entryKey string) (*plugins.Document, error)
}

// Indexer receives the text of every committed document.
type Indexer interface {
	Index(entryKey, title, text string) error
}

// Kind is what a job fetches.
type Kind int

const (
	KindDocument Kind = iota
	KindImage
)

func (k Kind) String() string {
	if k == KindImage {
		return "image"
	}
	return "document"
}

func (k Kind) media() media.Kind {
	if k == KindImage {
		return media.KindImage
	}
	return media.KindDocument
}

// Progress counts jobs of the current run. Completed never exceeds Total.
type Progress struct {
	RunID     string
	Completed int
	Total     int
	Failed    int
}

// Done reports whether every known job has finished.
func (p Progress) Done() bool {
	return p.Completed == p.Total
}

// jobID is the identity jobs are coalesced on: one cached variant.
type jobID struct {
	key   string
	width int
}

type job struct {
	id     jobID
	kind   Kind
	url    string
	doc    *plugins.Document
	owners map[string]struct{}

	inFlight   bool
	committing bool
	// cancelled is set when the last owner left while the job was in
	// flight; it never takes new owners
	cancelled bool
	cancel     context.CancelFunc
	done       chan struct{}
}

// entryRun tracks the outstanding jobs of one entry in the current run.
type entryRun struct {
	pending   int
	err       error
	cancelled bool
}

type Orchestrator struct {
	list     EntryList
	store    ResourceStore
	getter   fetch.Getter
	resolver Resolver
	indexer  Indexer
	metrics  *metrics.Metrics
	origins  *validation.OriginValidator
	types    *media.TypeDetector

	workers        int
	maxAttempts    int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	scheme         string

	mu         sync.Mutex
	running    bool
	stopRun    context.CancelFunc
	wg         sync.WaitGroup
	jobs       map[jobID]*job
	// retiring counts cancelled jobs replaced in jobs but not yet finished
	retiring   int
	queue      []*job
	entries    map[string]*entryRun
	progress   Progress
	idle       chan struct{}
	idleClosed bool

	wake    chan struct{}
	updates chan Progress
}

type Option func(*Orchestrator)

func WithIndexer(ix Indexer) Option {
	return func(o *Orchestrator) { o.indexer = ix }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithOriginValidator rejects documents and images on hosts the validator
// refuses.
func WithOriginValidator(v *validation.OriginValidator) Option {
	return func(o *Orchestrator) { o.origins = v }
}

func New(list EntryList, store ResourceStore, getter fetch.Getter, resolver Resolver, cfg *config.Config, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		list:           list,
		store:          store,
		getter:         getter,
		resolver:       resolver,
		types:          media.Default(),
		workers:        cfg.Sync.Workers,
		maxAttempts:    cfg.Fetch.MaxAttempts,
		initialBackoff: cfg.Fetch.InitialBackoff,
		maxBackoff:     cfg.Fetch.MaxBackoff,
		scheme:         cfg.Fetch.Scheme,
		jobs:           make(map[jobID]*job),
		entries:        make(map[string]*entryRun),
		idle:           make(chan struct{}),
		wake:           make(chan struct{}, 1),
		updates:        make(chan Progress, 1),
	}
	close(o.idle)
	o.idleClosed = true

	if o.workers < config.MinWorkers {
		o.workers = config.MinWorkers
	}
	if o.workers > config.MaxWorkers {
		o.workers = config.MaxWorkers
	}
	if o.maxAttempts < 1 {
		o.maxAttempts = 1
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Start launches the worker pool and enqueues every saved entry that is
// neither complete nor terminally failed.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return ErrRunning
	}
	runCtx, cancel := context.WithCancel(ctx)
	o.running = true
	o.stopRun = cancel
	o.jobs = make(map[jobID]*job)
	o.retiring = 0
	o.queue = nil
	o.entries = make(map[string]*entryRun)
	o.progress = Progress{RunID: uuid.NewString()}
	o.publishLocked()

	for i := 0; i < o.workers; i++ {
		o.wg.Add(1)
		go o.worker(runCtx)
	}
	runID := o.progress.RunID
	o.mu.Unlock()

	debuglog.WithFields(map[string]any{"run": runID, "workers": o.workers}).Infof("sync started")

	for _, e := range o.list.List() {
		if e.State == savedlist.StateComplete || (e.State == savedlist.StateFailed && e.Terminal) {
			continue
		}
		if err := o.Enqueue(e.Key); err != nil && !errors.Is(err, ErrStopped) {
			debuglog.WithFields(map[string]any{"run": runID, "entry": e.Key}).Warnf("enqueue failed: %v", err)
		}
	}
	return nil
}

// Stop cancels outstanding fetches and waits for the workers. Jobs already
// writing to the store finish their write first. Entries left unfinished
// go back to pending.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return
	}
	o.running = false
	o.stopRun()
	runID := o.progress.RunID
	o.mu.Unlock()

	o.wg.Wait()

	o.mu.Lock()
	defer o.mu.Unlock()
	for key := range o.entries {
		o.list.SetState(key, savedlist.StatePending, false, nil)
	}
	for _, j := range o.jobs {
		if !j.inFlight {
			close(j.done)
		}
	}
	o.jobs = make(map[jobID]*job)
	o.retiring = 0
	o.queue = nil
	o.entries = make(map[string]*entryRun)
	o.checkIdleLocked()
	o.publishLocked()

	debuglog.WithFields(map[string]any{"run": runID}).Infof("sync stopped")
}

// Running reports whether the worker pool is active.
func (o *Orchestrator) Running() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}

// Enqueue schedules the document of a saved entry. Its images are queued
// once the document has been fetched. Enqueueing an entry that is already
// in progress does nothing.
func (o *Orchestrator) Enqueue(entryKey string) error {
	doc, err := o.resolver.Resolve(entryKey)
	if err != nil {
		err = failure.Malformed("resolve", entryKey, err)
		o.list.SetState(entryKey, savedlist.StateFailed, true, err)
		return err
	}
	ref, err := resource.Canonical(doc.URL, nil)
	if err != nil {
		err = failure.Malformed("resolve", entryKey, err)
		o.list.SetState(entryKey, savedlist.StateFailed, true, err)
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.running {
		return ErrStopped
	}
	if _, ok := o.entries[entryKey]; ok {
		return nil
	}
	// the entry may have been removed since it was listed
	if !o.list.SetState(entryKey, savedlist.StateFetching, false, nil) {
		return nil
	}

	o.entries[entryKey] = &entryRun{}
	o.addJobLocked(jobID{key: ref.Key}, KindDocument, doc.URL, doc, entryKey)
	o.publishLocked()
	return nil
}

// addJobLocked adds owner to the job for id, creating and queueing the job
// when none is outstanding. A cancelled job still winding down is replaced
// by a fresh one.
func (o *Orchestrator) addJobLocked(id jobID, kind Kind, url string, doc *plugins.Document, owner string) {
	run := o.entries[owner]

	if j, ok := o.jobs[id]; ok {
		if !j.cancelled {
			if _, has := j.owners[owner]; !has {
				j.owners[owner] = struct{}{}
				if run != nil {
					run.pending++
				}
			}
			return
		}
		o.retiring++
	}

	j := &job{
		id:     id,
		kind:   kind,
		url:    url,
		doc:    doc,
		owners: map[string]struct{}{owner: {}},
		done:   make(chan struct{}),
	}
	o.jobs[id] = j
	o.queue = append(o.queue, j)
	if run != nil {
		run.pending++
	}
	o.progress.Total++
	if o.idleClosed {
		o.idle = make(chan struct{})
		o.idleClosed = false
	}
	o.signal()
}

// Cancel drops entryKey from every job. Jobs left without owners are
// cancelled; jobs shared with another entry continue. Cancel returns once no
// job can still record entryKey as an owner in the store.
func (o *Orchestrator) Cancel(entryKey string) {
	o.mu.Lock()
	delete(o.entries, entryKey)

	var waits []chan struct{}
	for id, j := range o.jobs {
		if _, ok := j.owners[entryKey]; !ok {
			continue
		}
		delete(j.owners, entryKey)

		switch {
		case j.committing:
			waits = append(waits, j.done)
		case len(j.owners) > 0:
		case j.inFlight:
			j.cancelled = true
			j.cancel()
		default:
			o.dropQueuedLocked(j)
			delete(o.jobs, id)
			close(j.done)
			o.progress.Completed++
		}
	}
	o.checkIdleLocked()
	o.publishLocked()
	o.mu.Unlock()

	for _, ch := range waits {
		<-ch
	}
}

func (o *Orchestrator) dropQueuedLocked(j *job) {
	for i, q := range o.queue {
		if q == j {
			o.queue = append(o.queue[:i], o.queue[i+1:]...)
			return
		}
	}
}

// Progress returns the counters of the current run.
func (o *Orchestrator) Progress() Progress {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.progress
}

// Updates delivers the latest progress after every change. Intermediate
// values are dropped when the reader falls behind.
func (o *Orchestrator) Updates() <-chan Progress {
	return o.updates
}

// Idle reports whether no job is queued or running.
func (o *Orchestrator) Idle() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.jobs) == 0 && o.retiring == 0
}

// Wait blocks until no job is queued or running, or ctx is done.
func (o *Orchestrator) Wait(ctx context.Context) error {
	o.mu.Lock()
	ch := o.idle
	o.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) publishLocked() {
	p := o.progress
	select {
	case <-o.updates:
	default:
	}
	select {
	case o.updates <- p:
	default:
	}
}

func (o *Orchestrator) checkIdleLocked() {
	if len(o.jobs) == 0 && o.retiring == 0 && !o.idleClosed {
		close(o.idle)
		o.idleClosed = true
	}
}

func (o *Orchestrator) signal() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

func (o *Orchestrator) worker(ctx context.Context) {
	defer o.wg.Done()
	for {
		j, jctx := o.next(ctx)
		if j == nil {
			return
		}
		o.run(jctx, j)
	}
}

// next pops the oldest queued job and marks it in flight.
func (o *Orchestrator) next(ctx context.Context) (*job, context.Context) {
	for {
		if ctx.Err() != nil {
			return nil, nil
		}
		o.mu.Lock()
		if len(o.queue) > 0 {
			j := o.queue[0]
			o.queue[0] = nil
			o.queue = o.queue[1:]

			jctx, cancel := context.WithCancel(ctx)
			j.inFlight = true
			j.cancel = cancel
			if len(o.queue) > 0 {
				o.signal()
			}
			o.mu.Unlock()
			return j, jctx
		}
		o.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, nil
		case <-o.wake:
		}
	}
}

func (o *Orchestrator) logger(j *job) *debuglog.FieldLogger {
	return debuglog.WithFields(map[string]any{
		"run":   o.Progress().RunID,
		"kind":  j.kind.String(),
		"key":   j.id.key,
		"width": j.id.width,
	})
}

func ownerKeys(owners map[string]struct{}) []string {
	keys := make([]string, 0, len(owners))
	for k := range owners {
		keys = append(keys, k)
	}
	return keys
}

func (o *Orchestrator) String() string {
	p := o.Progress()
	return fmt.Sprintf("run %s: %d/%d (%d failed)", p.RunID, p.Completed, p.Total, p.Failed)
}
