// Package pool implements the two ConnectionManager strategies: the
// worker pool that idle clients join and the server acquires workers
// from, and the direct-dial strategy used for comparison (spec §4.8).
package pool

import (
	"context"

	"github.com/nc-tunnel/neck/internal/neckstream"
	"github.com/nc-tunnel/neck/internal/session"
)

// Manager is the common capability both pool strategies implement: pool
// size, joining an idle worker stream, and acquiring a stream to serve a
// session's proxy request.
type Manager interface {
	Len() int
	Join(ctx context.Context, stream *neckstream.Stream)
	Connect(ctx context.Context, s *session.Session) (*neckstream.Stream, error)
}
