package download

import (
	"context"
	"errors"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/pders01/stow/internal/cache"
	"github.com/pders01/stow/internal/failure"
	"github.com/pders01/stow/internal/fetch"
	"github.com/pders01/stow/internal/markup"
	"github.com/pders01/stow/internal/metrics"
	"github.com/pders01/stow/internal/resource"
	"github.com/pders01/stow/internal/savedlist"
)

type result struct {
	rec         *cache.Record
	notModified bool
	// skipped is set when the exact variant was already cached
	skipped bool
}

// run takes a job through fetch, commit and, for documents, image
// discovery.
func (o *Orchestrator) run(ctx context.Context, j *job) {
	log := o.logger(j)
	o.metrics.JobStarted()

	res, err := o.execute(ctx, j)

	var committed []string
	var images []markup.Image
	if err == nil {
		committed, err = o.commit(ctx, j, res)
	}
	if err == nil && j.kind == KindDocument {
		images, err = o.discover(j, res, committed)
	}

	outcome := metrics.OutcomeOK
	switch {
	case failure.KindOf(err) == failure.KindCancelled:
		outcome = metrics.OutcomeCancelled
		log.Debugf("job cancelled")
	case err != nil:
		outcome = metrics.OutcomeFailed
		log.Warnf("job failed: %v", err)
	case res.skipped:
		outcome = metrics.OutcomeSkipped
	case res.notModified:
		outcome = metrics.OutcomeNotModified
	default:
		log.Debugf("job stored %d bytes", len(res.rec.Bytes))
	}
	o.metrics.JobFinished(outcome)

	o.finish(j, committed, images, err)
}

func (o *Orchestrator) execute(ctx context.Context, j *job) (*result, error) {
	if o.origins != nil {
		if err := o.origins.Validate(j.url); err != nil {
			return nil, failure.Malformed("validate", j.id.key, err)
		}
	}

	opts := fetch.Options{Accept: fetch.AcceptDocument}
	if j.kind == KindImage {
		rec, ok, err := o.store.Lookup(j.id.key, j.id.width)
		if err != nil {
			return nil, err
		}
		if ok {
			return &result{rec: rec, skipped: true}, nil
		}
		opts.Accept = fetch.AcceptImage
	} else {
		rec, ok, err := o.store.Lookup(j.id.key, j.id.width)
		if err != nil {
			return nil, err
		}
		if ok {
			opts.ETag = rec.ETag
		}
	}
	return o.download(ctx, j, opts)
}

// hintedBackOff waits at least as long as the server asked in Retry-After,
// capped at max.
type hintedBackOff struct {
	backoff.BackOff
	hint time.Duration
	max  time.Duration
}

func (b *hintedBackOff) NextBackOff() time.Duration {
	d := b.BackOff.NextBackOff()
	if b.hint > d {
		d = b.hint
	}
	if b.max > 0 && d > b.max {
		d = b.max
	}
	b.hint = 0
	return d
}

func (o *Orchestrator) newBackOff() *hintedBackOff {
	exp := backoff.NewExponentialBackOff()
	if o.initialBackoff > 0 {
		exp.InitialInterval = o.initialBackoff
	}
	if o.maxBackoff > 0 {
		exp.MaxInterval = o.maxBackoff
	}
	return &hintedBackOff{BackOff: exp, max: o.maxBackoff}
}

// download fetches j.url, retrying transient failures with exponential
// backoff up to the attempt cap.
func (o *Orchestrator) download(ctx context.Context, j *job, opts fetch.Options) (*result, error) {
	kind := j.kind.String()
	b := o.newBackOff()

	op := func() (*result, error) {
		resp, err := o.getter.Fetch(ctx, j.url, opts)
		if err != nil {
			o.metrics.Fetched(kind, metrics.OutcomeFailed, 0)
			if failure.IsRetryable(err) {
				b.hint = failure.RetryAfterOf(err)
				return nil, err
			}
			return nil, backoff.Permanent(err)
		}

		if resp.NotModified {
			rec, ok, err := o.store.Get(j.id.key, j.id.width)
			if err != nil {
				return nil, backoff.Permanent(err)
			}
			if !ok {
				// evicted between lookup and revalidation
				opts.ETag = ""
				return nil, failure.Transient("revalidate", j.id.key, errors.New("cached copy disappeared"))
			}
			o.metrics.Fetched(kind, metrics.OutcomeNotModified, 0)
			return &result{rec: rec, notModified: true}, nil
		}

		ct := o.types.DetectContentType(j.url, resp.ContentType, resp.Body)
		if err := o.types.Check(j.kind.media(), ct); err != nil {
			o.metrics.Fetched(kind, metrics.OutcomeFailed, len(resp.Body))
			return nil, backoff.Permanent(failure.Malformed("fetch", j.id.key, err))
		}
		o.metrics.Fetched(kind, metrics.OutcomeOK, len(resp.Body))

		return &result{rec: &cache.Record{
			Key:         j.id.key,
			Width:       j.id.width,
			Bytes:       resp.Body,
			ContentType: ct,
			ETag:        resp.ETag,
		}}, nil
	}

	notify := func(err error, next time.Duration) {
		o.logger(j).Debugf("retrying in %s: %v", next, err)
	}

	res, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(o.maxAttempts)),
		backoff.WithNotify(notify),
	)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, failure.FromContext("fetch", j.id.key, ctxErr)
		}
		return nil, err
	}
	return res, nil
}

// commit writes the fetched bytes and records every current owner. Once
// committing is set the job is no longer cancelled by Cancel or Stop.
func (o *Orchestrator) commit(ctx context.Context, j *job, res *result) ([]string, error) {
	o.mu.Lock()
	if len(j.owners) == 0 || ctx.Err() != nil {
		o.mu.Unlock()
		return nil, failure.Cancelled("commit", j.id.key, context.Canceled)
	}
	j.committing = true
	owners := ownerKeys(j.owners)
	o.mu.Unlock()

	if !res.skipped && !res.notModified {
		if err := o.store.PutRecord(res.rec); err != nil {
			return nil, err
		}
	}
	for _, owner := range owners {
		if err := o.store.AddOwner(j.id.key, owner); err != nil {
			return owners, err
		}
	}
	return owners, nil
}

// discover lists the images of a committed document and hands its text to
// the indexer.
func (o *Orchestrator) discover(j *job, res *result, owners []string) ([]markup.Image, error) {
	body := res.rec.Bytes
	base, err := url.Parse(j.url)
	if err != nil {
		return nil, failure.Malformed("discover", j.id.key, err)
	}
	images, err := markup.FindImages(body, base)
	if err != nil {
		return nil, failure.Malformed("discover", j.id.key, err)
	}

	if o.indexer != nil {
		title, text, err := markup.Extract(body)
		if err != nil {
			o.logger(j).Warnf("extracting text: %v", err)
		} else {
			if title == "" && j.doc != nil {
				title = j.doc.Title
			}
			for _, owner := range owners {
				if err := o.indexer.Index(owner, title, text); err != nil {
					o.logger(j).Warnf("indexing %s: %v", owner, err)
				}
			}
		}
	}
	return images, nil
}

// finish retires j, queues the images it discovered and settles every
// owner whose last job this was.
func (o *Orchestrator) finish(j *job, committed []string, images []markup.Image, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	j.cancel()
	if o.jobs[j.id] == j {
		delete(o.jobs, j.id)
	} else if j.cancelled {
		o.retiring--
	}
	close(j.done)

	cancelled := failure.KindOf(err) == failure.KindCancelled
	o.progress.Completed++
	if err != nil && !cancelled {
		o.progress.Failed++
	}

	if err == nil {
		// owners that joined while the job was committing
		seen := make(map[string]bool, len(committed))
		for _, owner := range committed {
			seen[owner] = true
		}
		for owner := range j.owners {
			if seen[owner] {
				continue
			}
			if addErr := o.store.AddOwner(j.id.key, owner); addErr != nil {
				err = addErr
			}
		}
	}

	if err == nil && j.kind == KindDocument {
		for owner := range j.owners {
			if _, tracked := o.entries[owner]; !tracked {
				continue
			}
			for _, img := range images {
				id := jobID{key: img.Ref.Key, width: img.Ref.Width}
				o.addJobLocked(id, KindImage, resource.VariantURL(id.key, id.width, o.scheme), nil, owner)
			}
		}
	}

	for owner := range j.owners {
		run, ok := o.entries[owner]
		if !ok {
			continue
		}
		run.pending--
		switch {
		case cancelled:
			run.cancelled = true
		case err != nil && run.err == nil:
			run.err = err
		}
		if run.pending > 0 {
			continue
		}

		delete(o.entries, owner)
		switch {
		case run.err != nil:
			o.list.SetState(owner, savedlist.StateFailed, failure.IsTerminal(run.err), run.err)
		case run.cancelled:
			o.list.SetState(owner, savedlist.StatePending, false, nil)
		default:
			o.list.SetState(owner, savedlist.StateComplete, false, nil)
		}
	}

	o.checkIdleLocked()
	o.publishLocked()
}
