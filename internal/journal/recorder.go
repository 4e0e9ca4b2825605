package journal

import (
	"context"
	"log/slog"
	"time"

	"stackchan/internal/dispatch"
)

const (
	defaultQueueSize = 64
	defaultKeep      = 1000
	pruneEvery       = 100
	writeTimeout     = 2 * time.Second
)

// Recorder is the dispatcher's journal. Record never blocks: entries are
// queued and written by Run, and dropped when the queue is full.
type Recorder struct {
	repo   Repository
	queue  chan dispatch.Entry
	keep   int
	logger *slog.Logger
}

func NewRecorder(repo Repository, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		repo:   repo,
		queue:  make(chan dispatch.Entry, defaultQueueSize),
		keep:   defaultKeep,
		logger: logger,
	}
}

func (r *Recorder) Record(e dispatch.Entry) {
	select {
	case r.queue <- e:
	default:
		r.logger.Warn("journal queue full, entry dropped", "command", e.Command.String())
	}
}

// Run writes queued entries until ctx is done, then flushes what is left.
func (r *Recorder) Run(ctx context.Context) {
	written := 0
	for {
		select {
		case e := <-r.queue:
			r.write(e)
			written++
			if written%pruneEvery == 0 {
				r.prune()
			}
		case <-ctx.Done():
			for {
				select {
				case e := <-r.queue:
					r.write(e)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) write(e dispatch.Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := r.repo.Insert(ctx, FromEntry(e)); err != nil {
		r.logger.Error("journal write failed", "error", err)
	}
}

func (r *Recorder) prune() {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	n, err := r.repo.Prune(ctx, r.keep)
	if err != nil {
		r.logger.Error("journal prune failed", "error", err)
		return
	}
	if n > 0 {
		r.logger.Debug("journal pruned", "deleted", n)
	}
}

// FromEntry converts a dispatcher entry into a storable record.
func FromEntry(e dispatch.Entry) Record {
	rec := Record{
		Time:    e.At,
		Origin:  string(e.Origin),
		Kind:    e.Command.Kind.String(),
		Command: e.Command.String(),
		OK:      e.Err == nil,
		Message: e.Message,
	}
	if e.Err != nil && rec.Message == "" {
		rec.Message = e.Err.Error()
	}
	return rec
}
