package client

import (
	"context"
	"log/slog"
	"sync"

	"github.com/nc-tunnel/neck/internal/neckurl"
	"github.com/nc-tunnel/neck/internal/tokenbucket"
)

type event int

const (
	eventJoined event = iota
	eventFailed
)

const eventQueueCapacity = 32

// Options configures a NeckClient.
type Options struct {
	URL         neckurl.NeckUrl
	Workers     int // default 8
	Connections int // token bucket capacity, default 200
	TLSDomain   string
}

// NeckClient owns the worker pool that joins a single server: the parsed
// target URL, a connector, a token bucket bounding concurrently-serving
// workers, and an event consumer that debounces "can't reach" logging
// (spec §4.7).
type NeckClient struct {
	url       neckurl.NeckUrl
	workers   int
	bucket    *tokenbucket.TokenBucket
	connector Connector
	events    chan event
	logger    *slog.Logger
}

// New builds a NeckClient from opts, applying the documented defaults.
func New(opts Options, logger *slog.Logger) *NeckClient {
	workers := opts.Workers
	if workers <= 0 {
		workers = 8
	}
	connections := opts.Connections
	if connections <= 0 {
		connections = 200
	}

	var connector Connector
	if opts.URL.IsHTTPS() {
		domain := opts.TLSDomain
		if domain == "" {
			domain = opts.URL.Hostname()
		}
		connector = &TLSConnector{Addr: opts.URL.Addr(), Domain: domain}
	} else {
		connector = &TCPConnector{Addr: opts.URL.Addr()}
	}

	return &NeckClient{
		url:       opts.URL,
		workers:   workers,
		bucket:    tokenbucket.New(connections),
		connector: connector,
		events:    make(chan event, eventQueueCapacity),
		logger:    logger,
	}
}

func (c *NeckClient) dispatchEvent(e event) {
	select {
	case c.events <- e:
	default:
		// Event queue full: the debounce consumer will still see enough
		// Failed events to trip; a dropped Joined just delays a reset.
	}
}

// Start spawns Workers worker tasks and runs the event-debouncing consumer
// until ctx is cancelled.
func (c *NeckClient) Start(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < c.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			runWorker(ctx, c, c.logger)
		}()
	}

	c.consumeEvents(ctx)
	wg.Wait()
}

func (c *NeckClient) consumeEvents(ctx context.Context) {
	var failedCount int
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-c.events:
			switch e {
			case eventJoined:
				failedCount = 0
			case eventFailed:
				failedCount++
			}
			if failedCount > c.workers {
				c.logger.Error("failed to connect", "addr", c.url.Addr())
				failedCount = 0
			}
		}
	}
}
