// Package pushpipeline implements the hardest remote-helper path: classify
// each src:dst, authorize, push over git transport, sign and publish a new
// StateEvent, and for every pr/* push emit one proposal event, carrying the
// diff inline (patch) or not (PR) by diff size or a forcing flag.
package pushpipeline

import (
	"context"
	"fmt"
	"log"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"golang.org/x/sync/errgroup"

	"github.com/nostrgit/ngit/errs"
	"github.com/nostrgit/ngit/eventcache"
	"github.com/nostrgit/ngit/gitserver"
	"github.com/nostrgit/ngit/protocol"
	"github.com/nostrgit/ngit/relayclient"
	"github.com/nostrgit/ngit/reporef"
	"github.com/nostrgit/ngit/repostate"
	"github.com/nostrgit/ngit/signer"
)

// EntryKind classifies one src:dst push entry.
type EntryKind int

const (
	KindNormalRef EntryKind = iota
	KindPrBranch
	KindTag
)

// EntryState is a push entry's position in the classified -> authorized ->
// git-pushed -> event-signed -> event-published -> reported state machine.
type EntryState int

const (
	StateClassified EntryState = iota
	StateAuthorized
	StateGitPushed
	StateEventSigned
	StateEventPublished
	StateReported
)

// Entry is one src:dst being pushed.
type Entry struct {
	Src, Dst string
	Kind     EntryKind
	State    EntryState
	Err      error
}

func classify(dst string) EntryKind {
	switch {
	case strings.HasPrefix(dst, "refs/heads/pr/"), strings.HasPrefix(dst, "pr/"):
		return KindPrBranch
	case strings.HasPrefix(dst, "refs/tags/"):
		return KindTag
	default:
		return KindNormalRef
	}
}

// Pipeline wires the dispatcher, relay client, and signer together to
// execute one push batch.
type Pipeline struct {
	gitDir         string
	dispatcher     *gitserver.Dispatcher
	relays         *relayclient.Pool
	cache          *eventcache.Cache
	signer         *signer.Signer
	logger         *log.Logger
	patchThreshold int64
}

func New(gitDir string, dispatcher *gitserver.Dispatcher, relays *relayclient.Pool, cache *eventcache.Cache, s *signer.Signer, patchThreshold int64, logger *log.Logger) *Pipeline {
	if logger == nil {
		logger = log.Default()
	}
	return &Pipeline{gitDir: gitDir, dispatcher: dispatcher, relays: relays, cache: cache, signer: s, patchThreshold: patchThreshold, logger: logger}
}

// Push executes one push batch against ref per §4.7/§4.8. StateEvent
// publication happens only after every git-server push in the batch has
// been attempted, per the ordering guarantee in §5.
func (p *Pipeline) Push(ctx context.Context, ref *reporef.RepoRef, state *repostate.RepoState, pushes []Entry, forcePatch, forcePR bool) []Entry {
	for i := range pushes {
		pushes[i].Kind = classify(pushes[i].Dst)
	}

	for i := range pushes {
		if err := p.authorize(ref, pushes[i]); err != nil {
			pushes[i].Err = err
			pushes[i].State = StateReported
			continue
		}
		pushes[i].State = StateAuthorized
	}

	anyGitPushSucceeded := map[string]bool{}
	gitPushed := map[int]bool{}
	for i := range pushes {
		if pushes[i].State != StateAuthorized {
			continue
		}
		ok := p.gitPushToServers(ctx, ref, pushes[i])
		if ok {
			pushes[i].State = StateGitPushed
			gitPushed[i] = true
			anyGitPushSucceeded[pushes[i].Dst] = true
		} else {
			pushes[i].Err = &errs.AllEndpointsFailed{Direction: "push"}
			pushes[i].State = StateReported
		}
	}

	// Emit a patch/PR event for every pr/* push that reached a git server,
	// per §4.7 step 5 / §4.8, before the StateEvent is built so the new
	// proposal is already cached when the remote helper reports back.
	for i := range pushes {
		if !gitPushed[i] || pushes[i].Kind != KindPrBranch {
			continue
		}
		if err := p.publishProposal(ref, pushes[i], forcePatch, forcePR); err != nil {
			p.logger.Printf("⚠️ proposal event for %s: %v", pushes[i].Dst, err)
		}
	}

	newRefs := newStateFrom(state, pushes)
	ev, err := p.buildStateEvent(ref, newRefs)
	eventPublished := false
	var perRelay map[string]string
	if err == nil {
		if err := p.signer.Sign(ev); err == nil {
			for i := range pushes {
				if gitPushed[i] {
					pushes[i].State = StateEventSigned
				}
			}
			results := p.relays.Publish(ev)
			eventPublished = relayclient.AnyAccepted(results)
			perRelay = map[string]string{}
			for _, r := range results {
				perRelay[r.Relay] = fmt.Sprintf("%v", r.Status)
			}
		}
	}

	for i := range pushes {
		if !gitPushed[i] {
			continue
		}
		if eventPublished {
			pushes[i].State = StateEventPublished
		}
		pushes[i].State = StateReported
		if !eventPublished && pushes[i].Err == nil {
			pushes[i].Err = &errs.RelayQuorumFailed{PerRelay: perRelay}
		}
	}

	return pushes
}

// authorize enforces the scam-mitigation rule: the pushing author must be
// in maintainer_set and have their own announcement under the chain.
func (p *Pipeline) authorize(ref *reporef.RepoRef, e Entry) error {
	if e.Kind == KindPrBranch {
		return nil // proposal branches are always pushable to one's own fork
	}
	me := p.signer.PubKeyHex()
	if _, ok := ref.Announcements[me]; !ok {
		return &errs.Unauthorized{Pubkey: me, Reason: "no self-signed announcement found"}
	}
	for _, m := range ref.MaintainerSet {
		if m == me {
			return nil
		}
	}
	return &errs.Unauthorized{Pubkey: me, Reason: "not in maintainer set"}
}

// gitPushToServers pushes to every clone[] server concurrently, bounded by
// errgroup so one slow or unreachable server can't serialize the whole
// batch behind it; any single server succeeding is enough.
func (p *Pipeline) gitPushToServers(ctx context.Context, ref *reporef.RepoRef, e Entry) bool {
	var g errgroup.Group
	var mu sync.Mutex
	succeeded := false

	for _, cloneURL := range ref.Clone {
		cloneURL := cloneURL
		g.Go(func() error {
			c, err := gitserver.ParseCloneUrl(cloneURL)
			if err != nil {
				return nil
			}
			refspec := e.Src + ":" + e.Dst
			if _, err := p.dispatcher.DispatchPush(ctx, c, gitserver.Unspecified, []string{refspec}); err == nil {
				mu.Lock()
				succeeded = true
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()
	return succeeded
}

// publishProposal builds, signs, publishes, and caches the patch/PR event
// for one already-git-pushed pr/* entry, per §4.7 step 5: a revision thread
// is opened with root-revision on every push past the first to the same
// branch, and the NIP-34 "a" tag anchors the proposal to its repository
// coordinate so proposal.Index can attribute it.
func (p *Pipeline) publishProposal(ref *reporef.RepoRef, e Entry, forcePatch, forcePR bool) error {
	oid := resolveOid(e.Src)
	if oid == "" {
		return fmt.Errorf("resolve oid for %s", e.Src)
	}
	branch := branchNameFromDst(e.Dst)

	diff, rootID, diffErr := p.diffAgainstRoot(ref, branch)
	if diffErr != nil {
		p.logger.Printf("⚠️ diff for %s: %v", branch, diffErr)
	}
	usePatch := ShouldUsePatch(int64(len(diff)), p.patchThreshold, forcePatch, forcePR)

	coord := fmt.Sprintf("%d:%s:%s", protocol.KindRepositoryAnnouncement, ref.TrustedMaintainer, ref.Identifier)
	tags := nostr.Tags{
		{"a", coord},
		{"branch-name", branch},
		{"subject", branch},
		{"commit", oid},
	}
	if rootID != "" {
		tags = append(tags, []string{"root-revision", rootID}, []string{"e", rootID})
	}

	content := ""
	if usePatch {
		content = diff
	}

	ev := &nostr.Event{
		CreatedAt: time.Now(),
		Kind:      protocol.KindPatch,
		Tags:      tags,
		Content:   content,
	}
	if err := p.signer.Sign(ev); err != nil {
		return fmt.Errorf("sign proposal event: %w", err)
	}
	results := p.relays.Publish(ev)
	if !relayclient.AnyAccepted(results) {
		return &errs.RelayQuorumFailed{PerRelay: nil}
	}
	if p.cache != nil {
		if err := p.cache.Put(*ev); err != nil {
			return fmt.Errorf("cache proposal event: %w", err)
		}
	}
	return nil
}

// diffAgainstRoot computes the textual diff between the previously cached
// root/revision for this branch (if any) and the newly pushed commit, and
// reports the proposal root's id (the prior event's own id, or the root it
// already threads off) so the new event can thread off it as a revision.
// An empty rootID means this push opens a new proposal.
func (p *Pipeline) diffAgainstRoot(ref *reporef.RepoRef, branch string) (diff string, rootID string, err error) {
	base := ""
	if p.cache != nil {
		cached, cerr := p.cache.GetByFilter(eventcache.Filter{
			Kinds: []int{protocol.KindPatch},
		})
		coord := fmt.Sprintf("%d:%s:%s", protocol.KindRepositoryAnnouncement, ref.TrustedMaintainer, ref.Identifier)
		if cerr == nil {
			for _, ev := range cached {
				anchored, root := false, ev.ID
				for _, t := range ev.Tags {
					if len(t) >= 2 && t[0] == "a" && t[1] == coord {
						anchored = true
					}
					if len(t) >= 2 && t[0] == "root-revision" {
						root = t[1]
					}
				}
				if anchored && branchNameOf(ev) == branch && commitOf(ev) != "" {
					base = commitOf(ev)
					rootID = root
					break
				}
			}
		}
	}
	head := "refs/heads/" + strings.TrimPrefix(strings.TrimPrefix(branch, "refs/heads/"), "pr/")
	args := []string{"--git-dir", p.gitDir, "diff"}
	if base != "" {
		args = append(args, base+".."+head)
	} else {
		args = append(args, head+"~1.."+head)
	}
	out, err := exec.Command("git", args...).Output()
	return string(out), rootID, err
}

func branchNameFromDst(dst string) string {
	dst = strings.TrimPrefix(dst, "refs/heads/")
	dst = strings.TrimPrefix(dst, "pr/")
	return dst
}

func branchNameOf(ev nostr.Event) string {
	for _, tag := range ev.Tags {
		if len(tag) >= 2 && tag[0] == "branch-name" {
			return tag[1]
		}
	}
	return ""
}

func commitOf(ev nostr.Event) string {
	for _, tag := range ev.Tags {
		if len(tag) >= 2 && tag[0] == "commit" {
			return tag[1]
		}
	}
	return ""
}

func newStateFrom(state *repostate.RepoState, pushes []Entry) map[string]string {
	out := map[string]string{}
	if state != nil {
		for k, v := range state.Refs {
			out[k] = v
		}
	}
	for _, e := range pushes {
		if e.State != StateGitPushed {
			continue
		}
		oid := resolveOid(e.Src)
		if oid != "" {
			out[e.Dst] = oid
		}
	}
	return out
}

func resolveOid(ref string) string {
	out, err := exec.Command("git", "rev-parse", ref).Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

func (p *Pipeline) buildStateEvent(ref *reporef.RepoRef, refs map[string]string) (*nostr.Event, error) {
	tags := nostr.Tags{{"d", ref.Identifier}}
	for name, value := range refs {
		tags = append(tags, []string{name, value})
	}
	return &nostr.Event{
		CreatedAt: time.Now(),
		Kind:      protocol.KindRepositoryState,
		Tags:      tags,
		Content:   "",
	}, nil
}

// ShouldUsePatch decides patch-vs-PR by cumulative diff size relative to the
// configured threshold, unless overridden.
func ShouldUsePatch(diffBytes int64, threshold int64, forcePatch, forcePR bool) bool {
	if forcePatch {
		return true
	}
	if forcePR {
		return false
	}
	return diffBytes < threshold
}

// Sync pushes each oid in the authoritative RepoState to every clone[]
// server that lacks it. An oid is synced only when at least one server
// already carries it, and it is pushed from the local repository, not from
// that server, so the local object store must hold it. Pushes to servers
// not in grasp form are attempted only when force is set. Sync never
// deletes refs on any server.
func (p *Pipeline) Sync(ctx context.Context, ref *reporef.RepoRef, state *repostate.RepoState, force bool) error {
	servers := make([]*gitserver.CloneUrl, 0, len(ref.Clone))
	for _, raw := range ref.Clone {
		c, err := gitserver.ParseCloneUrl(raw)
		if err != nil {
			continue
		}
		servers = append(servers, c)
	}

	for refName, oid := range state.Refs {
		if strings.HasPrefix(oid, "ref: ") {
			continue
		}
		var source *gitserver.CloneUrl
		for _, s := range servers {
			if p.serverHasOid(ctx, s, oid) {
				source = s
				break
			}
		}
		if source == nil {
			continue
		}
		for _, target := range servers {
			if target == source {
				continue
			}
			if p.serverHasOid(ctx, target, oid) {
				continue
			}
			if !target.IsGraspForm() && !force {
				p.logger.Printf("skipping sync of %s to %s: non-grasp server requires --force for non-fast-forward/delete", refName, target.ShortName())
				continue
			}
			_, _ = p.dispatcher.DispatchPush(ctx, target, gitserver.Unspecified, []string{oid + ":" + refName})
		}
	}
	return nil
}

func (p *Pipeline) serverHasOid(ctx context.Context, c *gitserver.CloneUrl, oid string) bool {
	url, err := c.FormatAs(c.Protocol, "")
	if err != nil {
		return false
	}
	cmd := exec.CommandContext(ctx, "git", "ls-remote", url, oid)
	out, err := cmd.Output()
	return err == nil && strings.Contains(string(out), oid)
}
