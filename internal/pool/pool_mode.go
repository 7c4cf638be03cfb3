package pool

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/nc-tunnel/neck/internal/httpcodec"
	"github.com/nc-tunnel/neck/internal/neckerr"
	"github.com/nc-tunnel/neck/internal/neckstream"
	"github.com/nc-tunnel/neck/internal/session"
)

const (
	takeDeadline   = 5 * time.Second
	connectRetries = 5

	pingIntervalMin = 60 * time.Second
	pingIntervalMax = 120 * time.Second

	pingFailureLogInterval = 10 * time.Second
)

// PoolModeManager maps idle worker peer addresses to their streams,
// bounded by a fixed capacity, with a per-worker supervisor that detects
// peer EOF or PINGs the worker periodically to confirm liveness
// (spec §4.8.1).
type PoolModeManager struct {
	size int

	mu      sync.Mutex
	storage map[string]*neckstream.Stream

	notifyMu sync.Mutex
	notifyCh chan struct{}

	logger *slog.Logger

	// pingFailureLog caps how often a flapping pool logs PING failures,
	// so a batch of workers dying together doesn't flood the log.
	pingFailureLog rate.Sometimes
}

// NewPoolModeManager creates a PoolModeManager with the given capacity.
func NewPoolModeManager(size int, logger *slog.Logger) *PoolModeManager {
	return &PoolModeManager{
		size:           size,
		storage:        make(map[string]*neckstream.Stream),
		notifyCh:       make(chan struct{}),
		logger:         logger,
		pingFailureLog: rate.Sometimes{Interval: pingFailureLogInterval},
	}
}

// Len reports the number of idle workers currently held.
func (p *PoolModeManager) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.storage)
}

func (p *PoolModeManager) notify() {
	p.notifyMu.Lock()
	close(p.notifyCh)
	p.notifyCh = make(chan struct{})
	p.notifyMu.Unlock()
}

func (p *PoolModeManager) watch() <-chan struct{} {
	p.notifyMu.Lock()
	defer p.notifyMu.Unlock()
	return p.notifyCh
}

func (p *PoolModeManager) tryInsert(addr string, stream *neckstream.Stream) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.storage) >= p.size {
		return false
	}
	p.storage[addr] = stream
	p.notify()
	return true
}

// removeIfSame deletes addr from storage only if it still maps to stream,
// so a concurrent lease or eviction isn't undone.
func (p *PoolModeManager) removeIfSame(addr string, stream *neckstream.Stream) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.storage[addr] != stream {
		return false
	}
	delete(p.storage, addr)
	return true
}

func (p *PoolModeManager) remove(addr string) {
	p.mu.Lock()
	delete(p.storage, addr)
	p.mu.Unlock()
}

// Join admits stream into the pool, or drops it silently if the pool is
// at capacity, then runs its in-pool supervisor until it is removed.
func (p *PoolModeManager) Join(ctx context.Context, stream *neckstream.Stream) {
	addr := stream.PeerAddr().String()
	if !p.tryInsert(addr, stream) {
		stream.Shutdown()
		return
	}
	p.supervise(ctx, addr, stream)
}

// supervise waits, for a randomized 60-120s interval, for either the
// worker to go quiet long enough to deserve a liveness PING or for it to
// show reader activity (peer close or unsolicited data) that disqualifies
// it from sitting idle in the pool.
func (p *PoolModeManager) supervise(ctx context.Context, addr string, stream *neckstream.Stream) {
	for {
		interval := pingIntervalMin + time.Duration(rand.Int64N(int64(pingIntervalMax-pingIntervalMin)))

		waitErr := make(chan error, 1)
		go func() { waitErr <- stream.WaitIdle(interval) }()

		select {
		case <-ctx.Done():
			p.remove(addr)
			stream.Shutdown()
			return

		case err := <-waitErr:
			if err != neckstream.ErrPingDue {
				p.remove(addr)
				return
			}
			if !p.removeIfSame(addr, stream) {
				return
			}
			if !p.pingAndReinsert(addr, stream) {
				return
			}
		}
	}
}

func (p *PoolModeManager) pingAndReinsert(addr string, stream *neckstream.Stream) bool {
	req := &httpcodec.Message{A: "PING", B: "/", C: "HTTP/1.1"}
	w := stream.Writer()
	err := req.WriteTo(w)
	stream.ReleaseWriter()
	if err != nil {
		stream.Shutdown()
		return false
	}

	res, err := httpcodec.Read(stream)
	if err != nil || res.B != "204" {
		if err != nil && !neckerr.IsExpectedTeardown(err) {
			p.pingFailureLog.Do(func() {
				p.logger.Debug("ping failed", "addr", addr, "error", err)
			})
		}
		stream.Shutdown()
		return false
	}

	if !p.tryInsert(addr, stream) {
		stream.Shutdown()
		return false
	}
	return true
}

// take pops any one idle worker, waiting up to takeDeadline for one to
// become available.
func (p *PoolModeManager) take() *neckstream.Stream {
	deadline := time.Now().Add(takeDeadline)
	for {
		p.mu.Lock()
		for addr, stream := range p.storage {
			delete(p.storage, addr)
			p.mu.Unlock()
			return stream
		}
		p.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil
		}
		select {
		case <-p.watch():
		case <-time.After(remaining):
			return nil
		}
	}
}

// Connect retries up to connectRetries times: take a worker, send it a
// CONNECT request for the session's host, and read back its response
// (spec §4.8.1).
func (p *PoolModeManager) Connect(ctx context.Context, s *session.Session) (*neckstream.Stream, error) {
	for attempt := 0; attempt < connectRetries; attempt++ {
		stream := p.take()
		if stream == nil {
			break
		}

		req := &httpcodec.Message{A: "CONNECT", B: s.Host(), C: "HTTP/1.1"}
		req.Headers.Add("Host", stream.PeerAddr().String())
		w := stream.Writer()
		err := req.WriteTo(w)
		stream.ReleaseWriter()
		if err != nil {
			continue
		}

		s.SetConnecting()

		// Past this point the worker has acted on the CONNECT, so a failure
		// is not retried and the worker is closed, not returned to the pool.
		res, err := httpcodec.Read(stream)
		if err != nil {
			stream.Shutdown()
			return nil, neckerr.ServiceUnavailable(err.Error())
		}

		if res.B != "200" {
			stream.Shutdown()
			return nil, neckerr.ServiceUnavailable(string(res.Payload))
		}

		s.SetEstablished()
		return stream, nil
	}
	return nil, neckerr.ErrBadGateway
}
