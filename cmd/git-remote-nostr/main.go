// git-remote-nostr is the git remote helper invoked whenever git operates
// on a nostr:// remote. Arguments are the remote name and the URL; the
// line protocol itself runs over stdin/stdout (see package remotehelper).
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/nbd-wtf/go-nostr"
	"golang.org/x/sync/errgroup"

	"github.com/nostrgit/ngit/alias"
	"github.com/nostrgit/ngit/config"
	"github.com/nostrgit/ngit/errs"
	"github.com/nostrgit/ngit/eventcache"
	"github.com/nostrgit/ngit/gitserver"
	"github.com/nostrgit/ngit/nostrurl"
	"github.com/nostrgit/ngit/proposal"
	"github.com/nostrgit/ngit/protocol"
	"github.com/nostrgit/ngit/pushpipeline"
	"github.com/nostrgit/ngit/relayclient"
	"github.com/nostrgit/ngit/remotehelper"
	"github.com/nostrgit/ngit/reporef"
	"github.com/nostrgit/ngit/repostate"
	"github.com/nostrgit/ngit/signer"
)

type backend struct {
	cfg        *config.Config
	cache      *eventcache.Cache
	relays     *relayclient.Pool
	resolver   *reporef.Resolver
	engine     *repostate.Engine
	dispatcher *gitserver.Dispatcher
	pipeline   *pushpipeline.Pipeline
	logger     *log.Logger
}

func (b *backend) Resolve(ctx context.Context, u *nostrurl.URL) (*reporef.RepoRef, error) {
	pubkey, err := alias.ResolveHexPubKey(u.Alias)
	if err != nil {
		return nil, fmt.Errorf("resolve alias %q: %w", u.Alias, err)
	}
	return b.resolver.Resolve(ctx, reporef.Coordinate{Pubkey: pubkey, Identifier: u.Identifier}, b.cfg.DiscoveryTimeout)
}

func (b *backend) State(ctx context.Context, ref *reporef.RepoRef) (*repostate.RepoState, error) {
	filters := nostr.Filters{{
		Kinds:   []int{protocol.KindRepositoryState},
		Authors: ref.MaintainerSet,
		Tags:    nostr.TagMap{"d": []string{ref.Identifier}},
	}}
	for ev := range b.relays.Subscribe(ctx, filters, b.cfg.DiscoveryTimeout) {
		b.engine.Accept(ev, ref.Identifier, ref.MaintainerSet)
	}
	return b.engine.Resolve(ref), nil
}

func (b *backend) Proposals(ctx context.Context, ref *reporef.RepoRef) ([]*proposal.Proposal, error) {
	events, err := b.cache.GetByFilter(eventcache.Filter{
		Kinds: append([]int{protocol.KindPatch}, protocol.StatusKinds...),
	})
	if err != nil {
		return nil, err
	}
	// Patch events carry no d tag; keep only those whose "a" tag names this
	// repository's coordinate. Status events are matched to roots by Index.
	coord := fmt.Sprintf("%d:%s:%s", protocol.KindRepositoryAnnouncement, ref.TrustedMaintainer, ref.Identifier)
	var mine []nostr.Event
	for _, ev := range events {
		keep := ev.Kind != protocol.KindPatch
		for _, t := range ev.Tags {
			if len(t) >= 2 && t[0] == "a" && t[1] == coord {
				keep = true
			}
		}
		if keep {
			mine = append(mine, ev)
		}
	}
	return proposal.Index(mine), nil
}

// FetchOids tries every clone[] server concurrently and stops at the first
// one that lands every requested oid; the others' in-flight attempts are
// canceled once that happens, rather than serially exhausting the list.
func (b *backend) FetchOids(ctx context.Context, ref *reporef.RepoRef, oids []string) error {
	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var g errgroup.Group
	var mu sync.Mutex
	var lastErr error
	succeeded := false

	for _, raw := range ref.Clone {
		raw := raw
		g.Go(func() error {
			c, err := gitserver.ParseCloneUrl(raw)
			if err != nil {
				return nil
			}
			if _, err := b.dispatcher.DispatchFetch(attemptCtx, c, gitserver.Unspecified, oids); err != nil {
				mu.Lock()
				lastErr = err
				mu.Unlock()
				return nil
			}
			mu.Lock()
			succeeded = true
			mu.Unlock()
			cancel()
			return nil
		})
	}
	g.Wait()

	if !succeeded {
		return lastErr
	}
	for _, oid := range oids {
		if !b.objectExists(oid) {
			return &errs.IntegrityMismatch{Oid: oid}
		}
	}
	return nil
}

func (b *backend) objectExists(oid string) bool {
	return exec.Command("git", "--git-dir", gitDir(), "cat-file", "-e", oid).Run() == nil
}

func (b *backend) Push(ctx context.Context, ref *reporef.RepoRef, state *repostate.RepoState, entries []pushpipeline.Entry) []pushpipeline.Entry {
	if b.pipeline == nil {
		for i := range entries {
			entries[i].Err = &errs.Unauthorized{Reason: "no nostr.nsec configured; cannot sign push"}
			entries[i].State = pushpipeline.StateReported
		}
		return entries
	}
	return b.pipeline.Push(ctx, ref, state, entries, os.Getenv("NGIT_FORCE_PATCH") != "", os.Getenv("NGIT_FORCE_PR") != "")
}

func gitDir() string {
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return wd
}

func main() {
	logger := log.New(os.Stderr, "git-remote-nostr: ", 0)

	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, "fatal: usage: git-remote-nostr <remote-name> <url>")
		os.Exit(1)
	}
	rawURL := os.Args[2]

	u, err := nostrurl.Parse(rawURL)
	if err != nil {
		logger.Printf("fatal: %v", err)
		os.Exit(1)
	}

	cfg, err := config.LoadConfig("~/.config/git-nostr")
	if err != nil {
		logger.Printf("fatal: load config: %v", err)
		os.Exit(1)
	}

	cachePath, err := config.ResolvePath("~/.cache/git-nostr/events.db")
	if err != nil {
		logger.Printf("fatal: %v", err)
		os.Exit(1)
	}
	cache, err := eventcache.Open(cachePath)
	if err != nil {
		logger.Printf("fatal: open event cache: %v", err)
		os.Exit(1)
	}
	defer cache.Close()

	relays := cfg.Relays
	if u.RelayHint != "" {
		relays = append([]string{"wss://" + u.RelayHint}, relays...)
	}
	pool, err := relayclient.Connect(relays, logger)
	if err != nil {
		logger.Printf("fatal: %v", err)
		os.Exit(1)
	}
	defer pool.Close()

	nsecHex := strings.TrimSpace(gitConfigGet("nostr.nsec"))
	var sgnr *signer.Signer
	if nsecHex != "" {
		sgnr, err = signer.New(nsecHex)
		if err != nil {
			logger.Printf("fatal: load signer: %v", err)
			os.Exit(1)
		}
	}

	me := ""
	if sgnr != nil {
		me = sgnr.PubKeyHex()
	}

	resolver := reporef.New(cache, pool, me, logger)
	engine := repostate.New()
	sshKeyFile := cfg.SSHKeyDefault
	if u.SSHKeyFile != "" {
		sshKeyFile = u.SSHKeyFile
	}
	dispatcher := gitserver.New(gitDir(), cfg.DispatchTimeout, "", sshKeyFile, logger)

	var pipeline *pushpipeline.Pipeline
	if sgnr != nil {
		pipeline = pushpipeline.New(gitDir(), dispatcher, pool, cache, sgnr, cfg.PatchSizeThresholdBytes, logger)
	}

	b := &backend{
		cfg:        cfg,
		cache:      cache,
		relays:     pool,
		resolver:   resolver,
		engine:     engine,
		dispatcher: dispatcher,
		pipeline:   pipeline,
		logger:     logger,
	}

	d := remotehelper.New(b, u, os.Stdin, os.Stdout, os.Stderr, logger)
	os.Exit(d.Run(context.Background()))
}

func gitConfigGet(key string) string {
	out, err := exec.Command("git", "config", "--get", key).Output()
	if err != nil {
		return ""
	}
	return string(out)
}
