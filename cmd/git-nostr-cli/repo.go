package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/nostrgit/ngit/alias"
	"github.com/nostrgit/ngit/config"
	"github.com/nostrgit/ngit/discovery"
	"github.com/nostrgit/ngit/eventcache"
	"github.com/nostrgit/ngit/gitserver"
	"github.com/nostrgit/ngit/protocol"
	"github.com/nostrgit/ngit/pushpipeline"
	"github.com/nostrgit/ngit/relayclient"
	"github.com/nostrgit/ngit/reporef"
	"github.com/nostrgit/ngit/repostate"
)

// repoCreate publishes a fresh repository announcement (kind 30617). Per
// NIP-34, content stays empty; everything lives in tags.
func repoCreate(cfg *config.Config, pool *relayclient.Pool) {
	if len(os.Args) < 4 {
		log.Fatal("usage: git-nostr-cli repo create <identifier> [clone-url]")
	}
	identifier := os.Args[3]

	tags := nostr.Tags{
		{"d", identifier},
		{"name", identifier},
		{"description", fmt.Sprintf("Repository: %s", identifier)},
	}
	if len(os.Args) > 4 {
		tags = append(tags, []string{"clone", os.Args[4]})
	}

	ev := &nostr.Event{
		CreatedAt: time.Now(),
		Kind:      protocol.KindRepositoryAnnouncement,
		Tags:      tags,
		Content:   "",
	}
	publishAndWait(pool, ev, "repository announcement")
}

// repoAddMaintainer re-publishes the caller's own announcement with an
// additional pubkey appended to its maintainers tag. Per the maintainer_set
// invariant, that pubkey only actually joins the set once its own
// announcement lists the same identifier back.
func repoAddMaintainer(cfg *config.Config, pool *relayclient.Pool) {
	if len(os.Args) < 5 {
		log.Fatal("usage: git-nostr-cli repo addmaintainer <identifier> <npub-or-hex>")
	}
	identifier := os.Args[3]
	target, err := alias.ResolveHexPubKey(os.Args[4])
	if err != nil {
		log.Fatal(err)
	}

	current := latestOwnAnnouncement(pool, identifier)
	tags := nostr.Tags{{"d", identifier}}
	maintainers := []string{target}
	if current != nil {
		for _, t := range current.Tags {
			if len(t) >= 2 && t[0] != "d" && t[0] != "maintainers" {
				tags = append(tags, t)
			}
			if len(t) >= 2 && t[0] == "maintainers" {
				maintainers = append(maintainers, t[1:]...)
			}
		}
	}
	tags = append(tags, append([]string{"maintainers"}, maintainers...))

	ev := &nostr.Event{
		CreatedAt: time.Now(),
		Kind:      protocol.KindRepositoryAnnouncement,
		Tags:      tags,
		Content:   "",
	}
	publishAndWait(pool, ev, "updated repository announcement")
}

func latestOwnAnnouncement(pool *relayclient.Pool, identifier string) *nostr.Event {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	filters := nostr.Filters{{Kinds: []int{protocol.KindRepositoryAnnouncement}, Tags: nostr.TagMap{"d": []string{identifier}}}}
	var latest *nostr.Event
	for ev := range pool.Subscribe(ctx, filters, 5*time.Second) {
		e := ev
		if latest == nil || e.CreatedAt.After(latest.CreatedAt) {
			latest = &e
		}
	}
	return latest
}

// repoClone resolves npub:identifier to the announcing maintainer's clone[]
// list and hands off to git clone against the first URL that succeeds.
func repoClone(cfg *config.Config, pool *relayclient.Pool) {
	if len(os.Args) < 4 {
		log.Fatal("usage: git-nostr-cli repo clone <npub-or-hex>:<identifier>")
	}
	name, identifier, ok := strings.Cut(os.Args[3], ":")
	if !ok {
		log.Fatal("expected <npub-or-hex>:<identifier>")
	}

	pubkey, err := alias.ResolveHexPubKey(name)
	if err != nil {
		log.Fatal(err)
	}

	ann := latestOwnAnnouncement(pool, identifier)
	if ann == nil || ann.PubKey != pubkey {
		log.Fatalf("no announcement found for %s:%s", name, identifier)
	}

	var clones []string
	for _, t := range ann.Tags {
		if len(t) >= 2 && t[0] == "clone" {
			clones = append(clones, t[1])
		}
	}
	if len(clones) == 0 {
		log.Fatalf("announcement for %s has no clone URLs", identifier)
	}

	for _, url := range clones {
		cmd := exec.Command("git", "clone", url)
		cmd.Stdout, cmd.Stdin, cmd.Stderr = os.Stdout, os.Stdin, os.Stderr
		if err := cmd.Run(); err == nil {
			return
		}
		fmt.Fprintf(os.Stderr, "clone from %s failed, trying next\n", url)
	}
	log.Fatal("all clone URLs failed")
}

// repoSync recovers the current repository's coordinate via the fallback
// discovery chain (nostr:// remote, nostr.repo config, maintainers.yaml),
// resolves its clone[] servers, and pushes any oid missing from one server
// that another already has.
func repoSync(cfg *config.Config, pool *relayclient.Pool) {
	force := false
	for _, a := range os.Args[3:] {
		if a == "--force" {
			force = true
		}
	}

	wd, err := os.Getwd()
	if err != nil {
		log.Fatal(err)
	}
	gitDir := wd
	if out, err := exec.Command("git", "rev-parse", "--git-dir").Output(); err == nil {
		gitDir = strings.TrimSpace(string(out))
	}

	found, err := discovery.Discover(gitDir, wd)
	if err != nil {
		log.Fatalf("could not determine this repository's coordinate: %v", err)
	}
	fmt.Printf("resolved coordinate via %s: %s:%s\n", found.Source, found.Coordinate.Pubkey, found.Coordinate.Identifier)

	cachePath, err := config.ResolvePath("~/.cache/git-nostr/events.db")
	if err != nil {
		log.Fatal(err)
	}
	cache, err := eventcache.Open(cachePath)
	if err != nil {
		log.Fatalf("open event cache: %v", err)
	}
	defer cache.Close()

	logger := log.New(os.Stderr, "git-nostr-cli: ", 0)
	resolver := reporef.New(cache, pool, "", logger)
	ctx, cancel := context.WithTimeout(context.Background(), cfg.DiscoveryTimeout)
	defer cancel()
	ref, err := resolver.Resolve(ctx, found.Coordinate, cfg.DiscoveryTimeout)
	if err != nil {
		log.Fatalf("resolve repository ref: %v", err)
	}

	engine := repostate.New()
	filters := nostr.Filters{{
		Kinds:   []int{protocol.KindRepositoryState},
		Authors: ref.MaintainerSet,
		Tags:    nostr.TagMap{"d": []string{ref.Identifier}},
	}}
	for ev := range pool.Subscribe(ctx, filters, cfg.DiscoveryTimeout) {
		engine.Accept(ev, ref.Identifier, ref.MaintainerSet)
	}
	state := engine.Resolve(ref)

	dispatcher := gitserver.New(gitDir, cfg.DispatchTimeout, "", cfg.SSHKeyDefault, logger)
	pipeline := pushpipeline.New(gitDir, dispatcher, pool, cache, nil, cfg.PatchSizeThresholdBytes, logger)
	if err := pipeline.Sync(ctx, ref, state, force); err != nil {
		log.Fatalf("sync: %v", err)
	}
	fmt.Println("sync complete")
}
