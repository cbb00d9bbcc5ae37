// Package proposal indexes PR-root and patch-root events under a
// coordinate, their revisions, and their status events, into Proposal
// objects surfaced as pr/* and refs/pr/* by the remote-helper driver.
package proposal

import (
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/nbd-wtf/go-nostr"

	"github.com/nostrgit/ngit/protocol"
	"github.com/nostrgit/ngit/signer"
)

// Status is the current resolved state of a proposal.
type Status int

const (
	StatusOpen Status = iota
	StatusDraft
	StatusApplied
	StatusClosed
)

func (s Status) IsOpenOrDraft() bool {
	return s == StatusOpen || s == StatusDraft
}

// Proposal is a PR-root or patch-root event plus its linked revisions and
// most recent status.
type Proposal struct {
	RootID     string
	Root       nostr.Event
	Revisions  []nostr.Event // root-revision-tagged events, oldest first
	Status     Status
	StatusTime int64

	// Head is the tip commit id for the proposal, as carried on the most
	// recent revision (or the root if there are none).
	Head string

	// BranchName is derived from the root event's branch-name tag, or a
	// fallback derived from the subject/id.
	BranchName string

	// Slug is the remote-helper-facing name; disambiguated with an
	// 8-char id suffix when two proposals collide.
	Slug string
}

// ShortID returns the first 8 hex characters of the root event id, used for
// refs/pr/pr-by-id/<short>/head and for disambiguation suffixes.
func (p *Proposal) ShortID() string {
	if len(p.RootID) >= 8 {
		return p.RootID[:8]
	}
	return p.RootID
}

// Index builds proposals from a flat stream of root, revision, and status
// events already known to belong to one coordinate (the caller is
// responsible for filtering by the repository's `a` tag before indexing).
func Index(events []nostr.Event) []*Proposal {
	verified := make([]nostr.Event, 0, len(events))
	for _, ev := range events {
		if err := signer.Verify(&ev); err != nil {
			continue
		}
		verified = append(verified, ev)
	}
	events = verified

	roots := map[string]*Proposal{}
	var order []string

	for _, ev := range events {
		if ev.Kind != protocol.KindPatch {
			continue
		}
		if rootID := revisionRootOf(ev); rootID != "" {
			continue // handled in the second pass
		}
		p := &Proposal{RootID: ev.ID, Root: ev, BranchName: branchNameOf(ev)}
		roots[ev.ID] = p
		order = append(order, ev.ID)
	}

	for _, ev := range events {
		if ev.Kind != protocol.KindPatch {
			continue
		}
		rootID := revisionRootOf(ev)
		if rootID == "" {
			continue
		}
		p, ok := roots[rootID]
		if !ok {
			continue
		}
		p.Revisions = append(p.Revisions, ev)
	}

	for _, ev := range events {
		if !protocol.IsStatusKind(ev.Kind) {
			continue
		}
		rootID := statusTargetOf(ev)
		p, ok := roots[rootID]
		if !ok {
			continue
		}
		if ev.CreatedAt.Unix() <= p.StatusTime {
			continue
		}
		p.StatusTime = ev.CreatedAt.Unix()
		p.Status = statusFromKind(ev.Kind)
	}

	out := make([]*Proposal, 0, len(order))
	for _, id := range order {
		p := roots[id]
		sort.Slice(p.Revisions, func(i, j int) bool {
			return p.Revisions[i].CreatedAt.Before(p.Revisions[j].CreatedAt)
		})
		p.Head = headOf(p)
		out = append(out, p)
	}

	assignSlugs(out)
	return out
}

func revisionRootOf(ev nostr.Event) string {
	for _, tag := range ev.Tags {
		if len(tag) >= 2 && tag[0] == "root-revision" {
			return tag[1]
		}
	}
	return ""
}

// statusTargetOf reads the first "e" tag on a status event, which per
// NIP-22 threading points at the proposal root. A status whose first "e"
// tag names a revision rather than a root is not attributed to any
// proposal.
func statusTargetOf(ev nostr.Event) string {
	for _, tag := range ev.Tags {
		if len(tag) >= 2 && tag[0] == "e" {
			return tag[1]
		}
	}
	return ""
}

func statusFromKind(kind int) Status {
	switch kind {
	case protocol.KindStatusDraft:
		return StatusDraft
	case protocol.KindStatusApplied:
		return StatusApplied
	case protocol.KindStatusClosed:
		return StatusClosed
	default:
		return StatusOpen
	}
}

func branchNameOf(ev nostr.Event) string {
	for _, tag := range ev.Tags {
		if len(tag) >= 2 && tag[0] == "branch-name" {
			return sanitizeBranch(tag[1])
		}
	}
	for _, tag := range ev.Tags {
		if len(tag) >= 2 && tag[0] == "subject" {
			return sanitizeBranch(tag[1])
		}
	}
	return "proposal-" + uuid.New().String()[:8]
}

func sanitizeBranch(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			return r
		case r == ' ', r == '_':
			return '-'
		default:
			return -1
		}
	}, s)
	for strings.Contains(s, "--") {
		s = strings.ReplaceAll(s, "--", "-")
	}
	return strings.Trim(s, "-")
}

func headOf(p *Proposal) string {
	target := p.Root
	if len(p.Revisions) > 0 {
		target = p.Revisions[len(p.Revisions)-1]
	}
	for _, tag := range target.Tags {
		if len(tag) >= 2 && tag[0] == "commit" {
			return tag[1]
		}
	}
	return ""
}

// assignSlugs derives each proposal's slug from its branch name, appending
// an 8-char id disambiguation suffix only when two proposals collide
// (invariant 4).
func assignSlugs(proposals []*Proposal) {
	counts := map[string]int{}
	for _, p := range proposals {
		counts[p.BranchName]++
	}
	for _, p := range proposals {
		if counts[p.BranchName] > 1 {
			p.Slug = p.BranchName + "(" + p.ShortID() + ")"
		} else {
			p.Slug = p.BranchName
		}
	}
}

// Refs returns the ref table contribution of one proposal, per §4.5: every
// proposal gets refs/pr/pr-by-id/<short>/head and refs/pr/<slug>;
// open/draft proposals additionally get pr/<slug>.
func (p *Proposal) Refs() map[string]string {
	out := map[string]string{
		"refs/pr/pr-by-id/" + p.ShortID() + "/head": p.Head,
	}
	if p.Status.IsOpenOrDraft() {
		out["pr/"+p.Slug] = p.Head
		out["refs/pr/"+p.Slug] = p.Head
	} else {
		out["refs/pr/"+p.Slug] = p.Head
	}
	return out
}
