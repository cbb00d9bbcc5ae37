// Package relayclient is the multiplexed relay connection pool: one
// cooperative goroutine per relay socket, filter-based subscriptions with
// an overall deadline, and parallel publish with per-relay accept/reject
// results. Built on top of github.com/nbd-wtf/go-nostr's RelayPool, which
// itself is backed by github.com/gorilla/websocket.
package relayclient

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
)

// Pool wraps a nostr.RelayPool with deadline-aware subscribe/publish. It
// performs no NIP-42 AUTH handshake of its own.
type Pool struct {
	pool   *nostr.RelayPool
	logger *log.Logger
}

// Connect dials every relay in relays for reading and writing, tolerating
// individual failures (at least one must succeed).
func Connect(relays []string, logger *log.Logger) (*Pool, error) {
	if logger == nil {
		logger = log.Default()
	}
	pool := nostr.NewRelayPool()

	connected := 0
	for _, r := range relays {
		if err := <-pool.Add(r, nostr.SimplePolicy{Read: true, Write: true}); err != nil {
			logger.Printf("⚠️ relay connect failed: %s: %v", r, err)
			continue
		}
		connected++
		logger.Printf("📡 relay connected: %s", r)
	}
	if connected == 0 {
		return nil, fmt.Errorf("no relays connected out of %d", len(relays))
	}

	go func() {
		for notice := range pool.Notices {
			logger.Printf("notice from %s: %s", notice.Relay, notice.Message)
		}
	}()

	return &Pool{pool: pool, logger: logger}, nil
}

// Close disconnects every relay in the pool.
func (p *Pool) Close() {
	p.pool.Relays.Range(func(url string, r *nostr.Relay) bool {
		p.pool.Remove(url)
		r.Close()
		return true
	})
}

// Subscribe fans out filters to every relay, deduplicates by event id, and
// streams results on the returned channel until the pool's event stream
// closes, deadline elapses, or ctx is cancelled, whichever comes first. A
// zero deadline means no deadline: the stream runs until ctx is cancelled
// or the pool's stream closes. EOSE from the relays does not end the
// stream, and ending it does not close the filter on the relays. The
// channel is closed when the subscription ends.
func (p *Pool) Subscribe(ctx context.Context, filters nostr.Filters, deadline time.Duration) <-chan nostr.Event {
	out := make(chan nostr.Event, 64)
	sub, events := p.pool.Sub(filters)

	var cancel context.CancelFunc
	if deadline > 0 {
		ctx, cancel = context.WithTimeout(ctx, deadline)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}

	go func() {
		defer cancel()
		defer close(out)
		_ = sub

		unique := nostr.Unique(events)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-unique:
				if !ok {
					return
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out
}

// PerRelayResult is the accept/reject outcome of a single relay for one
// publish call.
type PerRelayResult struct {
	Relay   string
	Status  nostr.Status
	Message string
}

// Publish publishes ev to every relay currently in the pool in parallel and
// collects one result per relay; the caller decides what quorum it needs.
func (p *Pool) Publish(ev *nostr.Event) []PerRelayResult {
	_, statuses, err := p.pool.PublishEvent(ev)
	if err != nil {
		p.logger.Printf("❌ publish failed to prepare: %v", err)
		return nil
	}

	var (
		results []PerRelayResult
		mu      sync.Mutex
		wg      sync.WaitGroup
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		timeout := time.After(10 * time.Second)
		for {
			select {
			case status, ok := <-statuses:
				if !ok {
					return
				}
				mu.Lock()
				results = append(results, PerRelayResult{Relay: status.Relay, Status: status.Status})
				mu.Unlock()
			case <-timeout:
				return
			}
		}
	}()
	wg.Wait()
	return results
}

// AnyAccepted reports whether at least one relay accepted the publish.
func AnyAccepted(results []PerRelayResult) bool {
	for _, r := range results {
		if r.Status == nostr.PublishStatusSucceeded {
			return true
		}
	}
	return false
}
