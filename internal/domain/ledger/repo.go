package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Repository interface {
	Create(ctx context.Context, e *Entry) error
	Get(ctx context.Context, id uuid.UUID) (*Entry, error)
	List(ctx context.Context, f Filter, limit, offset int) ([]*Entry, int, error)
	// Transition moves an entry of direction dir to status to when its
	// current status is one of from, applying ch in the same statement. It
	// returns ErrNotFound or ErrInvalidTransition when nothing was updated.
	Transition(ctx context.Context, id uuid.UUID, dir Direction, from []Status, to Status, ch Change) (*Entry, error)
	Stats(ctx context.Context) ([]StatusCount, error)
	// Stale lists PENDING and PROCESSING entries last updated before
	// olderThan, oldest first, along with their total count.
	Stale(ctx context.Context, olderThan time.Time, limit int) ([]*Entry, int, error)
}
