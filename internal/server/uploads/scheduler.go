// Package uploads moves staged attachments into object storage.
//
// A batch runs in rounds. Each round puts every pending file concurrently and
// waits for all of them, records the successes in the ledger and only then
// removes their staged copies. Failures are retried after an exponentially
// growing sleep until the total sleep would pass the policy ceiling.
package uploads

import (
	"context"
	"fmt"
	"sort"
	"sync"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/spf13/afero"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/dmitrijs2005/doccatalog/internal/clock"
	"github.com/dmitrijs2005/doccatalog/internal/logging"
	"github.com/dmitrijs2005/doccatalog/internal/server/storage"
)

const tracerName = "github.com/dmitrijs2005/doccatalog/internal/server/uploads"

// DefaultMaxParallelPuts bounds concurrent puts within one round.
const DefaultMaxParallelPuts = 8

// Ledger is the attachment list of a document.
type Ledger interface {
	DocumentExists(ctx context.Context, documentID string) (bool, error)
	// AddNames merges names into the ledger. It returns false when the
	// document no longer exists.
	AddNames(ctx context.Context, documentID string, names []string) (bool, error)
}

// Staging is where uploaded bytes wait for their batch.
type Staging interface {
	Open(documentID, name string) (afero.File, int64, error)
	Remove(documentID, name string) error
	ListPending() (map[string][]string, error)
}

// Options tune a Scheduler. Zero values pick defaults.
type Options struct {
	Policy          Policy
	MaxParallelPuts int
	Clock           clock.Clock
	Observer        Observer
	Tracer          trace.Tracer
	Logger          logging.Logger
}

// Scheduler runs upload batches. Background batches started with Start run
// on the scheduler's own lifetime, not on the context of the request that
// staged the files.
type Scheduler struct {
	gateway  storage.ObjectStore
	ledger   Ledger
	staging  Staging
	policy   Policy
	parallel int
	clock    clock.Clock
	observer Observer
	tracer   trace.Tracer
	logger   logging.Logger

	life context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

func New(gateway storage.ObjectStore, ledger Ledger, staging Staging, opts Options) *Scheduler {
	if opts.MaxParallelPuts <= 0 {
		opts.MaxParallelPuts = DefaultMaxParallelPuts
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer(tracerName)
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	life, stop := context.WithCancel(context.Background())
	return &Scheduler{
		gateway:  gateway,
		ledger:   ledger,
		staging:  staging,
		policy:   opts.Policy.withDefaults(),
		parallel: opts.MaxParallelPuts,
		clock:    opts.Clock,
		observer: opts.Observer,
		tracer:   opts.Tracer,
		logger:   opts.Logger.With("module", "uploads"),
		life:     life,
		stop:     stop,
	}
}

// RunBatch drives names of documentID to a terminal outcome and returns the
// report. Cancelling ctx only ends a backoff sleep early; a round that has
// started always finishes, including its ledger write and cleanup.
func (s *Scheduler) RunBatch(ctx context.Context, documentID string, names []string) (report BatchReport) {
	pending := dedupe(names)
	report.DocumentID = documentID
	log := s.logger.With("document_id", documentID)

	ctx, span := s.tracer.Start(ctx, "uploads.batch", trace.WithAttributes(
		attribute.String("document.id", documentID),
		attribute.Int("batch.files", len(pending)),
	))
	s.observer.RecordStart()
	defer func() {
		span.SetAttributes(
			attribute.String("batch.outcome", string(report.Outcome)),
			attribute.Int("batch.rounds", report.Rounds),
		)
		span.End()
		s.observer.RecordBatch(report)
	}()

	if ctx.Err() != nil {
		report.Outcome = OutcomeInterrupted
		report.Remaining = pending
		return report
	}
	work := context.WithoutCancel(ctx)

	exists, err := s.ledger.DocumentExists(work, documentID)
	if err != nil {
		log.Warn(work, "document lookup failed, uploading anyway", "error", err)
	} else if !exists {
		report.Outcome = OutcomeDocumentMissing
		report.Remaining = pending
		log.Error(work, "document missing, batch aborted", "files", pending)
		return report
	}

	bo, slept := s.policy.newBackOff()
	for {
		round := s.runRound(work, log, documentID, pending, report.Rounds)
		report.Rounds++
		report.Missing = append(report.Missing, round.Missing...)
		retry := round.Failed

		if len(round.Succeeded) > 0 {
			added, err := s.ledger.AddNames(work, documentID, round.Succeeded)
			switch {
			case err != nil:
				log.Warn(work, "ledger update failed, files stay pending",
					"files", round.Succeeded, "error", err)
				retry = append(retry, round.Succeeded...)
			case !added:
				report.Outcome = OutcomeDocumentMissing
				report.Remaining = append(append([]string(nil), round.Failed...), round.Succeeded...)
				log.Error(work, "document deleted during batch, files left in staging",
					"files", report.Remaining, "rounds", report.Rounds)
				return report
			default:
				s.cleanup(work, log, documentID, round.Succeeded)
				report.Committed = append(report.Committed, round.Succeeded...)
			}
		}

		if len(retry) == 0 {
			if len(report.Missing) > 0 {
				report.Outcome = OutcomeCommittedPartial
				log.Error(work, "batch committed, files missing from staging were not uploaded",
					"missing", report.Missing,
					"committed", len(report.Committed),
					"rounds", report.Rounds)
				return report
			}
			report.Outcome = OutcomeCommitted
			log.Info(work, "batch committed",
				"committed", len(report.Committed),
				"rounds", report.Rounds)
			return report
		}

		delay := bo.NextBackOff()
		if delay == backoff.Stop {
			report.Outcome = OutcomeGivenUp
			report.Remaining = retry
			log.Error(work, "batch given up, files left in staging are retried by Resume on next start",
				"files", retry, "rounds", report.Rounds, "backoff", report.Backoff.String())
			return report
		}

		log.Debug(work, "retrying failed files", "files", len(retry), "delay", delay.String())
		select {
		case <-s.clock.After(delay):
		case <-ctx.Done():
			report.Outcome = OutcomeInterrupted
			report.Remaining = retry
			log.Warn(work, "batch interrupted, files left in staging", "files", retry)
			return report
		}
		slept.advance(delay)
		report.Backoff += delay
		pending = retry
	}
}

// runRound puts every name concurrently and waits for all of them. One
// failure never cancels the others.
func (s *Scheduler) runRound(ctx context.Context, log logging.Logger, documentID string, names []string, index int) Round {
	ctx, span := s.tracer.Start(ctx, "uploads.round", trace.WithAttributes(
		attribute.Int("round.index", index),
		attribute.Int("round.files", len(names)),
	))
	defer span.End()

	results := make([]error, len(names))
	var g errgroup.Group
	g.SetLimit(s.parallel)
	for i, name := range names {
		g.Go(func() error {
			defer func() {
				if p := recover(); p != nil {
					results[i] = fmt.Errorf("put %s panicked: %v", name, p)
				}
			}()
			results[i] = s.put(ctx, documentID, name)
			return nil
		})
	}
	_ = g.Wait()

	round := partition(names, results)
	for i, err := range results {
		if err != nil {
			log.Debug(ctx, "put failed", "file", names[i], "round", index, "error", err)
		}
	}
	if len(round.Missing) > 0 {
		log.Warn(ctx, "staged files missing, dropped from batch", "files", round.Missing)
	}
	span.SetAttributes(
		attribute.Int("round.succeeded", len(round.Succeeded)),
		attribute.Int("round.failed", len(round.Failed)),
		attribute.Int("round.missing", len(round.Missing)),
	)
	s.observer.RecordRound(round)
	return round
}

func (s *Scheduler) put(ctx context.Context, documentID, name string) error {
	f, size, err := s.staging.Open(documentID, name)
	if err != nil {
		return err
	}
	defer f.Close()

	start := s.clock.Now()
	err = s.gateway.Put(ctx, documentID, name, f, size)
	s.observer.RecordPut(s.clock.Now().Sub(start), size, err)
	return err
}

// cleanup removes staged copies of committed names. A failed removal leaves
// a file that Resume will upload again; the ledger merge absorbs it.
func (s *Scheduler) cleanup(ctx context.Context, log logging.Logger, documentID string, names []string) {
	for _, name := range names {
		if err := s.staging.Remove(documentID, name); err != nil {
			log.Warn(ctx, "staged file cleanup failed", "file", name, "error", err)
		}
	}
}

// Handle tracks a batch running in the background.
type Handle struct {
	DocumentID string
	done       chan struct{}
	report     BatchReport
}

// Done is closed when the batch has finished.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Report waits for the batch and returns its report.
func (h *Handle) Report() BatchReport {
	<-h.done
	return h.report
}

// Start runs the batch in the background and returns immediately. After
// Shutdown it returns an already finished handle reporting OutcomeInterrupted.
func (s *Scheduler) Start(documentID string, names []string) *Handle {
	h := &Handle{
		DocumentID: documentID,
		done:       make(chan struct{}),
		report: BatchReport{
			DocumentID: documentID,
			Outcome:    OutcomeInterrupted,
			Remaining:  dedupe(names),
		},
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		close(h.done)
		return h
	}
	s.wg.Add(1)
	s.mu.Unlock()

	logging.Go(s.life, s.logger, "upload-batch", func() {
		defer s.wg.Done()
		defer close(h.done)
		h.report = s.RunBatch(s.life, documentID, names)
	})
	return h
}

// Resume starts a batch for every document that still has staged files,
// typically once at startup to pick up work left by a crash or a shutdown.
// Given-up batches keep their files staged, so they are retried here too
// with a fresh backoff. Remove the staged files (docctl pending shows them)
// to abandon a batch for good.
func (s *Scheduler) Resume(ctx context.Context) ([]*Handle, error) {
	pending, err := s.staging.ListPending()
	if err != nil {
		return nil, fmt.Errorf("resume: %w", err)
	}
	docs := make([]string, 0, len(pending))
	for doc := range pending {
		docs = append(docs, doc)
	}
	sort.Strings(docs)

	handles := make([]*Handle, 0, len(docs))
	for _, doc := range docs {
		s.logger.Info(ctx, "resuming staged files", "document_id", doc, "files", len(pending[doc]))
		handles = append(handles, s.Start(doc, pending[doc]))
	}
	return handles, nil
}

// Shutdown stops accepting batches, wakes sleeping ones so they report
// OutcomeInterrupted, and waits for running rounds to finish or ctx to end.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.stop()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
