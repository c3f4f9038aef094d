// Package ledger is the append-only audit log of signed verdicts and receipts.
package ledger

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/PipeOpsHQ/trusted-trading/internal/metrics"
	"github.com/PipeOpsHQ/trusted-trading/state"
	"github.com/PipeOpsHQ/trusted-trading/types"
)

const (
	MaxRecent           = 200
	DefaultRecent       = 10
	DefaultPollInterval = time.Second

	tailBatch = 200
)

type Ledger struct {
	store     state.AuditStore
	notifiers []state.Notifier
	now       func() time.Time
	log       logr.Logger
	metrics   *metrics.Metrics
}

type Option func(*Ledger)

// WithNotifier adds a wakeup channel for tails. Several may be combined, e.g.
// an in-process Broadcaster plus a Redis notifier.
func WithNotifier(n state.Notifier) Option {
	return func(l *Ledger) {
		if n != nil {
			l.notifiers = append(l.notifiers, n)
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

func WithLogger(log logr.Logger) Option {
	return func(l *Ledger) { l.log = log }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Ledger) { l.metrics = m }
}

func New(store state.AuditStore, opts ...Option) *Ledger {
	l := &Ledger{
		store: store,
		now:   time.Now,
		log:   logr.Discard(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Append stores signedResult verbatim. Raw JSON ([]byte or json.RawMessage)
// is kept byte for byte; any other value is marshaled first.
func (l *Ledger) Append(ctx context.Context, agent, action, scope string, signedResult any) (types.AuditRecord, error) {
	raw, err := toRaw(signedResult)
	if err != nil {
		return types.AuditRecord{}, err
	}
	rec, err := l.store.AppendAudit(ctx, types.AuditRecord{
		Agent:        agent,
		Action:       action,
		Scope:        scope,
		SignedResult: raw,
		CreatedAt:    l.now().UTC(),
	})
	if err != nil {
		return types.AuditRecord{}, types.Wrap(types.KindInternal, err, "append audit record")
	}
	l.metrics.LedgerAppend(agent, action)
	for _, n := range l.notifiers {
		if err := n.Publish(ctx, rec.ID); err != nil {
			l.log.Info("audit notification failed", "id", rec.ID, "error", err.Error())
		}
	}
	return rec, nil
}

func toRaw(v any) (json.RawMessage, error) {
	var raw []byte
	switch t := v.(type) {
	case json.RawMessage:
		raw = t
	case []byte:
		raw = t
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, types.Wrap(types.KindInternal, err, "encode signed result")
		}
		raw = b
	}
	if !json.Valid(raw) {
		return nil, types.Internalf("signed result is not valid JSON")
	}
	return json.RawMessage(raw), nil
}

// Recent returns the newest records first. limit must be within 1..200.
func (l *Ledger) Recent(ctx context.Context, limit int) ([]types.AuditRecord, error) {
	if limit < 1 || limit > MaxRecent {
		return nil, types.Validationf("limit must be between 1 and %d", MaxRecent)
	}
	out, err := l.store.RecentAudit(ctx, limit)
	if err != nil {
		return nil, types.Wrap(types.KindInternal, err, "read recent audit records")
	}
	return out, nil
}

type TailOptions struct {
	PollInterval time.Duration
	// AfterID resumes after a known id instead of the current end of the ledger.
	AfterID *int64
	// OnStart, when set, is called once with the id the tail starts after.
	OnStart func(afterID int64)
}

// Tail calls emit for every record appended after the starting point, in id
// order, until ctx is done or emit returns an error. It wakes every poll
// interval and also as soon as a notifier reports an append.
func (l *Ledger) Tail(ctx context.Context, opts TailOptions, emit func(types.AuditRecord) error) error {
	poll := opts.PollInterval
	if poll <= 0 {
		poll = DefaultPollInterval
	}

	var last int64
	if opts.AfterID != nil {
		last = *opts.AfterID
	} else {
		max, err := l.store.MaxAuditID(ctx)
		if err != nil {
			return types.Wrap(types.KindInternal, err, "read ledger head")
		}
		last = max
	}

	wake := make(chan struct{}, 1)
	var (
		wg       sync.WaitGroup
		releases []func()
	)
	defer func() {
		for _, release := range releases {
			release()
		}
		wg.Wait()
	}()
	for _, n := range l.notifiers {
		ids, release, err := n.Subscribe(ctx)
		if err != nil {
			l.log.Info("tail notifier unavailable, polling only", "error", err.Error())
			continue
		}
		releases = append(releases, release)
		wg.Add(1)
		go func() {
			defer wg.Done()
			forward(ids, wake)
		}()
	}

	if opts.OnStart != nil {
		opts.OnStart(last)
	}

	timer := time.NewTimer(poll)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		case <-wake:
		}

		for {
			recs, err := l.store.AuditAfter(ctx, last, tailBatch)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				l.log.Info("tail read failed, retrying", "after", last, "error", err.Error())
				break
			}
			for _, rec := range recs {
				if err := emit(rec); err != nil {
					return err
				}
				last = rec.ID
			}
			if len(recs) < tailBatch {
				break
			}
		}
		timer.Reset(poll)
	}
}

// forward turns notifier ids into a coalesced wakeup. It exits when the
// subscription is released and its channel closed.
func forward(ids <-chan int64, wake chan<- struct{}) {
	for range ids {
		select {
		case wake <- struct{}{}:
		default:
		}
	}
}
