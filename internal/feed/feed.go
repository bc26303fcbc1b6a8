package feed

import (
	"context"

	"arcline/internal/domain"
)

// Source delivers committed changes from the source tables. Start returns
// once the subscription is established and keeps emitting in the background
// until ctx is cancelled. emit is never called concurrently.
type Source interface {
	Name() string
	Start(ctx context.Context, emit func(domain.Change)) error
}

// ChangeReader is the slice of the repository the sources read from.
type ChangeReader interface {
	LatestChangeID(ctx context.Context) (int64, error)
	ChangesAfter(ctx context.Context, cursor int64, limit int) ([]domain.Change, error)
	GetChange(ctx context.Context, id int64) (domain.Change, error)
}
