package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/vidnote/internal/storage"
)

// maxRecodes bounds how many fresh codes a replayed note may draw.
const maxRecodes = 8

// NoteSpool abstracts the spool operations the replayer needs.
type NoteSpool interface {
	List() ([]storage.Note, error)
	Delete(id string) error
}

// NoteStore abstracts the knowledge store writes the replayer needs.
type NoteStore interface {
	PutNote(ctx context.Context, n storage.Note) error
	GetNote(ctx context.Context, id string) (storage.Note, error)
}

// Replayer moves spooled notes back into the knowledge store.
type Replayer struct {
	spool  NoteSpool
	store  NoteStore
	poll   time.Duration
	logger *slog.Logger
}

// NewReplayer creates a Replayer. If pollInterval is <= 0, it defaults to
// 30s; a nil logger means slog.Default().
func NewReplayer(spool NoteSpool, store NoteStore, pollInterval time.Duration, logger *slog.Logger) *Replayer {
	if pollInterval <= 0 {
		pollInterval = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Replayer{
		spool:  spool,
		store:  store,
		poll:   pollInterval,
		logger: logger.With("component", "replayer"),
	}
}

// Run replays notes until ctx is cancelled, one pass over the spool per poll
// interval.
func (r *Replayer) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		if _, err := r.RunOnce(ctx); err != nil {
			r.logger.Warn("replay pass incomplete", "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(r.poll):
		}
	}
}

// RunOnce makes one pass over the spool and returns how many notes left it.
// A note the store keeps refusing stays spooled without holding back the
// notes after it; their errors are joined.
func (r *Replayer) RunOnce(ctx context.Context) (int, error) {
	notes, err := r.spool.List()
	if err != nil {
		return 0, fmt.Errorf("reading spool: %w", err)
	}

	var recovered int
	var errs []error
	for _, n := range notes {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if err := r.replay(ctx, n); err != nil {
			errs = append(errs, err)
			continue
		}
		recovered++
	}
	return recovered, errors.Join(errs...)
}

func (r *Replayer) replay(ctx context.Context, n storage.Note) error {
	// A note that made it in on an earlier attempt only needs to leave the spool.
	_, err := r.store.GetNote(ctx, n.ID)
	switch {
	case err == nil:
		r.logger.Info("spooled note already stored", "note_id", n.ID)
	case errors.Is(err, storage.ErrNotFound):
		if err := r.put(ctx, &n); err != nil {
			return fmt.Errorf("replaying note %s: %w", n.ID, err)
		}
		r.logger.Info("recovered spooled note", "note_id", n.ID, "code", n.Code)
	default:
		return fmt.Errorf("checking note %s: %w", n.ID, err)
	}

	if err := r.spool.Delete(n.ID); err != nil {
		return fmt.Errorf("removing note %s from spool: %w", n.ID, err)
	}
	return nil
}

// put stores n, drawing a new code while its code belongs to another note.
func (r *Replayer) put(ctx context.Context, n *storage.Note) error {
	err := r.store.PutNote(ctx, *n)
	for i := 0; errors.Is(err, storage.ErrCodeTaken) && i < maxRecodes; i++ {
		taken := n.Code
		n.Code = storage.RandomCode()
		r.logger.Warn("spooled note code taken, drawing another", "note_id", n.ID, "code", taken, "new_code", n.Code)
		err = r.store.PutNote(ctx, *n)
	}
	return err
}
