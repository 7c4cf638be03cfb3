package pool

import (
	"context"
	"log/slog"
	"net"
	"time"

	"golang.org/x/time/rate"

	"github.com/nc-tunnel/neck/internal/neckerr"
	"github.com/nc-tunnel/neck/internal/neckstream"
	"github.com/nc-tunnel/neck/internal/session"
)

const directDialTimeout = 10 * time.Second

// DirectModeManager bypasses the pool entirely: it dials the session's
// host directly, for comparison against PoolModeManager (spec §4.8.2).
type DirectModeManager struct {
	dialFailureLog rate.Sometimes
	logger         *slog.Logger
}

// NewDirectModeManager creates a DirectModeManager that logs repeated dial
// failures at most once per 10 seconds instead of once per request, so a
// target that is down doesn't flood the log under load.
func NewDirectModeManager(logger *slog.Logger) *DirectModeManager {
	return &DirectModeManager{
		dialFailureLog: rate.Sometimes{Interval: 10 * time.Second},
		logger:         logger,
	}
}

// Len always reports zero; DirectModeManager holds no idle workers.
func (*DirectModeManager) Len() int { return 0 }

// Join is a no-op: the joined stream is dropped immediately.
func (*DirectModeManager) Join(ctx context.Context, stream *neckstream.Stream) {
	stream.Shutdown()
}

// Connect dials the session's host directly with a keep-alive-enabled
// TCP connection and a fixed timeout.
func (m *DirectModeManager) Connect(ctx context.Context, s *session.Session) (*neckstream.Stream, error) {
	dialer := &net.Dialer{
		Timeout: directDialTimeout,
		KeepAliveConfig: net.KeepAliveConfig{
			Enable: true,
		},
	}
	conn, err := dialer.DialContext(ctx, "tcp", s.Host())
	if err != nil {
		if m.logger != nil {
			m.dialFailureLog.Do(func() {
				m.logger.Debug("direct dial failed", "host", s.Host(), "error", err)
			})
		}
		return nil, neckerr.ServiceUnavailable(err.Error())
	}
	s.SetEstablished()
	return neckstream.From(conn), nil
}
