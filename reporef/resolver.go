// Package reporef resolves a coordinate into a RepoRef: the maintainer set,
// the unioned consumption-mode fields, and the shared metadata picked from
// the newest announcement in the set.
package reporef

import (
	"context"
	"log"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/nostrgit/ngit/errs"
	"github.com/nostrgit/ngit/eventcache"
	"github.com/nostrgit/ngit/protocol"
	"github.com/nostrgit/ngit/relayclient"
	"github.com/nostrgit/ngit/signer"
)

// Coordinate names a repository: (kind=30617, pubkey, identifier).
type Coordinate struct {
	Pubkey     string
	Identifier string
}

// RepoRef is the resolver's output for one coordinate.
type RepoRef struct {
	Identifier       string
	TrustedMaintainer string

	// MaintainerSet is the transitive closure over maintainers[] starting
	// from TrustedMaintainer.
	MaintainerSet []string

	// Announcements holds the single newest announcement per maintainer
	// in MaintainerSet.
	Announcements map[string]nostr.Event

	// Consumption-mode fields: union across every announcement in the set.
	Relays   []string
	Clone    []string
	Blossoms []string
	Hashtags []string
	Web      []string

	// Shared metadata: from the announcement with the greatest CreatedAt.
	Name        string
	Description string

	// EarliestUniqueCommit is cascaded: mine, then others', then left
	// empty for the caller to fall back to a local root commit.
	EarliestUniqueCommit string

	// ForkSuspected is set when announcements in the set disagree on
	// EarliestUniqueCommit; this is a warning, never a fatal error.
	ForkSuspected bool
	DisagreeingCommits []string

	// NoAnnouncement is set when no announcement at all was found for the
	// coordinate within the discovery deadline; the RepoRef is still
	// returned (with whatever was found) so --force paths can proceed.
	NoAnnouncement bool
}

// MaxVisitBudget bounds the maintainer-graph walk so a cycle or an
// adversarial maintainers[] list cannot make resolution unbounded.
const MaxVisitBudget = 64

// Resolver resolves coordinates using a local cache, falling back to the
// relay pool when the cache is empty.
type Resolver struct {
	cache   *eventcache.Cache
	relays  *relayclient.Pool
	logger  *log.Logger
	mePubkey string // "who I am", used to pick my own announcement for publication-mode fields
}

func New(cache *eventcache.Cache, relays *relayclient.Pool, mePubkey string, logger *log.Logger) *Resolver {
	if logger == nil {
		logger = log.Default()
	}
	return &Resolver{cache: cache, relays: relays, mePubkey: mePubkey, logger: logger}
}

// Resolve walks the maintainer graph per §4.3 and returns a RepoRef.
func (r *Resolver) Resolve(ctx context.Context, c Coordinate, discoveryDeadline time.Duration) (*RepoRef, error) {
	visited := map[string]nostr.Event{}
	queue := []string{c.Pubkey}
	anyFound := false

	for len(queue) > 0 && len(visited) < MaxVisitBudget {
		pubkey := queue[0]
		queue = queue[1:]
		if _, ok := visited[pubkey]; ok {
			continue
		}

		ev, found, err := r.fetchLatestAnnouncement(ctx, pubkey, c.Identifier, discoveryDeadline)
		if err != nil {
			return nil, err
		}
		if !found {
			continue
		}
		if !announcementListsIdentifier(ev, c.Identifier) {
			// Invariant 1: never admit a pubkey whose own announcement
			// does not list this identifier.
			continue
		}
		anyFound = true
		visited[pubkey] = ev

		for _, m := range maintainersOf(ev, pubkey) {
			if _, ok := visited[m]; !ok {
				queue = append(queue, m)
			}
		}
	}

	ref := &RepoRef{
		Identifier:        c.Identifier,
		TrustedMaintainer: c.Pubkey,
		Announcements:     visited,
		NoAnnouncement:    !anyFound,
	}
	for pk := range visited {
		ref.MaintainerSet = append(ref.MaintainerSet, pk)
	}

	r.unionConsumptionFields(ref)
	r.pickSharedMetadata(ref)
	r.cascadeEarliestUniqueCommit(ref)

	if ref.NoAnnouncement {
		return ref, &errs.NoAnnouncement{Pubkey: c.Pubkey, Identifier: c.Identifier}
	}
	return ref, nil
}

func (r *Resolver) fetchLatestAnnouncement(ctx context.Context, pubkey, identifier string, deadline time.Duration) (nostr.Event, bool, error) {
	cached, err := r.cache.GetByCoordinate(protocol.KindRepositoryAnnouncement, pubkey, identifier)
	if err != nil {
		return nostr.Event{}, false, err
	}
	if len(cached) > 0 {
		return cached[0], true, nil
	}
	if r.relays == nil {
		return nostr.Event{}, false, nil
	}

	filters := nostr.Filters{{
		Kinds:   []int{protocol.KindRepositoryAnnouncement},
		Authors: []string{pubkey},
		Tags:    nostr.TagMap{"d": []string{identifier}},
	}}

	var best nostr.Event
	found := false
	for ev := range r.relays.Subscribe(ctx, filters, deadline) {
		if err := signer.Verify(&ev); err != nil {
			r.logger.Printf("⚠️ dropping announcement %s: %v", ev.ID, err)
			continue
		}
		if err := r.cache.Put(ev); err != nil {
			r.logger.Printf("⚠️ failed to cache announcement %s: %v", ev.ID, err)
		}
		if !found || ev.CreatedAt.After(best.CreatedAt) {
			best = ev
			found = true
		}
	}
	return best, found, nil
}

func announcementListsIdentifier(ev nostr.Event, identifier string) bool {
	for _, tag := range ev.Tags {
		if len(tag) >= 2 && tag[0] == "d" {
			return tag[1] == identifier
		}
	}
	return false
}

// maintainersOf reads the maintainers[] tag; if the signer's own pubkey is
// absent it is prepended, matching the reference resolver's defaulting
// rule ("if empty, defaults to [event.pubkey]").
func maintainersOf(ev nostr.Event, signer string) []string {
	var out []string
	for _, tag := range ev.Tags {
		if len(tag) >= 1 && tag[0] == "maintainers" {
			out = append(out, tag[1:]...)
		}
	}
	for _, m := range out {
		if m == signer {
			return out
		}
	}
	return append([]string{signer}, out...)
}

func (r *Resolver) unionConsumptionFields(ref *RepoRef) {
	relaySeen := map[string]bool{}
	cloneSeen := map[string]bool{}
	blossomSeen := map[string]bool{}
	hashtagSeen := map[string]bool{}
	webSeen := map[string]bool{}

	for _, ev := range ref.Announcements {
		for _, tag := range ev.Tags {
			if len(tag) < 2 {
				continue
			}
			switch tag[0] {
			case "relays":
				for _, v := range tag[1:] {
					if !relaySeen[v] {
						relaySeen[v] = true
						ref.Relays = append(ref.Relays, v)
					}
				}
			case "clone":
				for _, v := range tag[1:] {
					if !cloneSeen[v] {
						cloneSeen[v] = true
						ref.Clone = append(ref.Clone, v)
					}
				}
			case "blossoms":
				for _, v := range tag[1:] {
					if !blossomSeen[v] {
						blossomSeen[v] = true
						ref.Blossoms = append(ref.Blossoms, v)
					}
				}
			case "t":
				if !hashtagSeen[tag[1]] {
					hashtagSeen[tag[1]] = true
					ref.Hashtags = append(ref.Hashtags, tag[1])
				}
			case "web":
				for _, v := range tag[1:] {
					if !webSeen[v] {
						webSeen[v] = true
						ref.Web = append(ref.Web, v)
					}
				}
			}
		}
	}
}

func (r *Resolver) pickSharedMetadata(ref *RepoRef) {
	var newest nostr.Event
	set := false
	for _, ev := range ref.Announcements {
		if !set || ev.CreatedAt.After(newest.CreatedAt) {
			newest = ev
			set = true
		}
	}
	if !set {
		return
	}
	for _, tag := range newest.Tags {
		if len(tag) < 2 {
			continue
		}
		switch tag[0] {
		case "name":
			ref.Name = tag[1]
		case "description":
			ref.Description = tag[1]
		}
	}
}

func (r *Resolver) cascadeEarliestUniqueCommit(ref *RepoRef) {
	var mine, others string
	var disagreeing []string
	seen := map[string]bool{}

	if mineEv, ok := ref.Announcements[r.mePubkey]; ok {
		mine = earliestUniqueCommitOf(mineEv)
	}
	for pk, ev := range ref.Announcements {
		if pk == r.mePubkey {
			continue
		}
		euc := earliestUniqueCommitOf(ev)
		if euc == "" {
			continue
		}
		if others == "" {
			others = euc
		}
		if !seen[euc] {
			seen[euc] = true
			disagreeing = append(disagreeing, euc)
		}
	}
	if mine != "" && !seen[mine] {
		seen[mine] = true
		disagreeing = append(disagreeing, mine)
	}
	if len(disagreeing) > 1 {
		ref.ForkSuspected = true
		ref.DisagreeingCommits = disagreeing
	}

	switch {
	case mine != "":
		ref.EarliestUniqueCommit = mine
	case others != "":
		ref.EarliestUniqueCommit = others
	default:
		ref.EarliestUniqueCommit = ""
	}
}

func earliestUniqueCommitOf(ev nostr.Event) string {
	for _, tag := range ev.Tags {
		if len(tag) >= 2 && tag[0] == "r" {
			if len(tag) >= 3 && tag[2] == "euc" && isHexCommit(tag[1]) {
				return tag[1]
			}
		}
	}
	return ""
}

func isHexCommit(s string) bool {
	if len(s) != 40 {
		return false
	}
	for _, c := range s {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			return false
		}
	}
	return true
}
