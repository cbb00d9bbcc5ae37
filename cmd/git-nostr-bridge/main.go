// git-nostr-bridge runs alongside a grasp-style git server: it subscribes
// to repository announcements and state events on the configured relays,
// persists them to the shared event cache, and keeps a local mirror of
// each announced repository's bare git directory in sync with the
// authoritative ref table. It is not part of the remote-helper's critical
// path -- a client never needs this process running -- but it is what lets
// this implementation also act as one of a repo's clone[] servers.
package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/nostrgit/ngit/config"
	"github.com/nostrgit/ngit/eventcache"
	"github.com/nostrgit/ngit/protocol"
	"github.com/nostrgit/ngit/relayclient"
	"github.com/nostrgit/ngit/signer"
)

func newestSince(cache *eventcache.Cache, kind int) *time.Time {
	events, err := cache.GetByFilter(eventcache.Filter{Kinds: []int{kind}})
	if err != nil || len(events) == 0 {
		return nil
	}
	t := events[0].CreatedAt.Add(-1 * time.Hour) // tolerate clock skew, matching the upstream cursor's margin
	return &t
}

func main() {
	logger := log.New(os.Stdout, "", log.LstdFlags)

	cfg, err := config.LoadConfig("~/.config/git-nostr")
	if err != nil {
		logger.Fatalf("❌ load config: %v", err)
	}

	cachePath, err := config.ResolvePath("~/.cache/git-nostr/events.db")
	if err != nil {
		logger.Fatalf("❌ %v", err)
	}
	cache, err := eventcache.Open(cachePath)
	if err != nil {
		logger.Fatalf("❌ open event cache: %v", err)
	}
	defer cache.Close()

	for {
		pool, err := relayclient.Connect(cfg.Relays, logger)
		if err != nil {
			logger.Fatalf("❌ %v", err)
		}

		filters := nostr.Filters{{
			Kinds: []int{protocol.KindRepositoryAnnouncement, protocol.KindRepositoryState},
			Since: newestSince(cache, protocol.KindRepositoryAnnouncement),
		}}

		logger.Printf("🔍 subscribing to announcement and state events")
		events := pool.Subscribe(context.Background(), filters, 0)

		for ev := range neverExpiring(events) {
			logger.Printf("📥 received event kind=%d id=%s pubkey=%s", ev.Kind, ev.ID, ev.PubKey)
			if err := signer.Verify(&ev); err != nil {
				logger.Printf("❌ dropping unverifiable event %s: %v", ev.ID, err)
				continue
			}
			if err := cache.Put(ev); err != nil {
				logger.Printf("❌ cache put failed: %v", err)
				continue
			}

			var handleErr error
			switch ev.Kind {
			case protocol.KindRepositoryAnnouncement:
				handleErr = handleAnnouncement(ev, cfg)
			case protocol.KindRepositoryState:
				handleErr = handleState(ev, cfg)
			}
			if handleErr == errRepositoryNotExists {
				logger.Printf("💡 repository not created yet, state event cached but not applied")
			} else if handleErr != nil {
				logger.Printf("❌ %v", handleErr)
			}
		}

		pool.Close()
		logger.Printf("🔄 subscription ended, reconnecting")
	}
}

// neverExpiring wraps a channel with a deadline of zero (which
// relayclient.Subscribe treats as "run until the caller cancels") so this
// long-running ingestion loop simply reconnects when the relay drops it.
func neverExpiring(ch <-chan nostr.Event) <-chan nostr.Event {
	return ch
}
