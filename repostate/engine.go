// Package repostate picks the authoritative ref table from signed state
// events, filtering by the maintainer set and retaining per-maintainer
// views so the push pipeline can see which servers each maintainer has been
// pushing to.
package repostate

import (
	"sort"
	"strings"

	genericsyncmap "github.com/SaveTheRbtz/generic-sync-map-go"
	"github.com/nbd-wtf/go-nostr"

	"github.com/nostrgit/ngit/protocol"
	"github.com/nostrgit/ngit/reporef"
	"github.com/nostrgit/ngit/signer"
)

// RefConflict records two maintainers whose accepted StateEvents disagree on
// the same ref. The engine never merges per-ref; it only reports.
type RefConflict struct {
	Ref           string
	Author        string
	Value         string
	OtherAuthor   string
	OtherValue    string
}

// RepoState is the derived, newest-by-created_at-per-author merge of
// accepted StateEvents.
type RepoState struct {
	Identifier string

	// Refs is the authoritative ref table: the newest accepted event's
	// tags, ref name -> object id (or "ref: refs/heads/main" for a
	// symbolic HEAD).
	Refs map[string]string

	// PerMaintainer holds the retained newest-per-author StateEvent, so
	// the push pipeline can see who has pushed where.
	PerMaintainer map[string]nostr.Event

	Conflicts []RefConflict
}

// Engine retains the newest StateEvent per author in a concurrent map, since
// state events can arrive from relay subscriptions concurrently with
// cache-backed lookups.
type Engine struct {
	retained genericsyncmap.MapOf[string, nostr.Event]
}

func New() *Engine {
	return &Engine{}
}

// Accept feeds one candidate StateEvent through the admission rule: reject
// if author is not in maintainerSet, else retain only if newer than any
// previously retained event from the same author.
func (e *Engine) Accept(ev nostr.Event, identifier string, maintainerSet []string) bool {
	if err := signer.Verify(&ev); err != nil {
		return false
	}
	if !dTagMatches(ev, identifier) {
		return false
	}
	if !inSet(ev.PubKey, maintainerSet) {
		return false
	}
	if existing, ok := e.retained.Load(ev.PubKey); ok {
		if !ev.CreatedAt.After(existing.CreatedAt) {
			return false
		}
	}
	e.retained.Store(ev.PubKey, ev)
	return true
}

func dTagMatches(ev nostr.Event, identifier string) bool {
	for _, tag := range ev.Tags {
		if len(tag) >= 2 && tag[0] == "d" {
			return tag[1] == identifier
		}
	}
	return false
}

func inSet(pubkey string, set []string) bool {
	for _, p := range set {
		if p == pubkey {
			return true
		}
	}
	return false
}

// Resolve computes the authoritative RepoState for ref across the retained
// per-maintainer StateEvents. HEAD must be present in the chosen event; if
// absent, the next-newest event that does include HEAD is used instead.
func (e *Engine) Resolve(ref *reporef.RepoRef) *RepoState {
	state := &RepoState{
		Identifier:    ref.Identifier,
		PerMaintainer: map[string]nostr.Event{},
	}

	var retained []nostr.Event
	e.retained.Range(func(pubkey string, ev nostr.Event) bool {
		state.PerMaintainer[pubkey] = ev
		retained = append(retained, ev)
		return true
	})
	if len(retained) == 0 {
		state.Refs = map[string]string{}
		return state
	}

	sort.Slice(retained, func(i, j int) bool {
		return retained[i].CreatedAt.After(retained[j].CreatedAt)
	})

	chosen := retained[0]
	for _, ev := range retained {
		if hasHead(ev) {
			chosen = ev
			break
		}
	}

	state.Refs = refsOf(chosen)
	state.Conflicts = conflictsAgainst(chosen, retained)
	return state
}

// hasHead reports whether ev yields a usable HEAD, either an explicit HEAD
// tag or one synthesized from its branches by refsOf.
func hasHead(ev nostr.Event) bool {
	return refsOf(ev)["HEAD"] != ""
}

// refsOf extracts the ref table carried on a StateEvent: tags named
// "HEAD" or starting with "refs/heads/" or "refs/tags", matching the
// reference implementation's exact inclusion rule (excluding the
// dereferenced-tag suffix "^{}").
func refsOf(ev nostr.Event) map[string]string {
	out := map[string]string{}
	for _, tag := range ev.Tags {
		if len(tag) < 2 {
			continue
		}
		name, value := tag[0], tag[1]
		if strings.HasSuffix(name, "^{}") {
			continue
		}
		if name != "HEAD" && !strings.HasPrefix(name, "refs/heads/") && !strings.HasPrefix(name, "refs/tags") {
			continue
		}
		if isValidRefValue(value) {
			out[name] = value
		}
	}
	if _, ok := out["HEAD"]; !ok {
		out["HEAD"] = synthesizeHead(out)
	}
	return out
}

func isValidRefValue(v string) bool {
	if strings.HasPrefix(v, "ref: refs/") {
		return true
	}
	if len(v) != 40 {
		return false
	}
	for _, c := range v {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			return false
		}
	}
	return true
}

func synthesizeHead(refs map[string]string) string {
	if _, ok := refs["refs/heads/master"]; ok {
		return "ref: refs/heads/master"
	}
	if _, ok := refs["refs/heads/main"]; ok {
		return "ref: refs/heads/main"
	}
	for name := range refs {
		if strings.HasPrefix(name, "refs/heads/") {
			return "ref: " + name
		}
	}
	return ""
}

func conflictsAgainst(chosen nostr.Event, all []nostr.Event) []RefConflict {
	chosenRefs := refsOf(chosen)
	var conflicts []RefConflict
	for _, ev := range all {
		if ev.ID == chosen.ID {
			continue
		}
		otherRefs := refsOf(ev)
		for name, otherValue := range otherRefs {
			if chosenValue, ok := chosenRefs[name]; ok && chosenValue != otherValue {
				conflicts = append(conflicts, RefConflict{
					Ref: name, Author: chosen.PubKey, Value: chosenValue,
					OtherAuthor: ev.PubKey, OtherValue: otherValue,
				})
			} else if !ok {
				conflicts = append(conflicts, RefConflict{
					Ref: name, Author: chosen.PubKey, Value: "",
					OtherAuthor: ev.PubKey, OtherValue: otherValue,
				})
			}
		}
	}
	return conflicts
}

// stateEventKind documents which protocol kind this engine consumes.
const stateEventKind = protocol.KindRepositoryState

// StateEventKind exposes the kind this package consumes.
func StateEventKind() int { return stateEventKind }
