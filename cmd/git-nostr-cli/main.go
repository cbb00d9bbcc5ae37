// git-nostr-cli is a small operator tool for publishing and inspecting
// repository announcements directly, without going through git's
// remote-helper machinery -- useful for bootstrapping a new repository's
// first announcement or clone-cloning from the CLI before a local clone
// exists.
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/nbd-wtf/go-nostr"

	"github.com/nostrgit/ngit/config"
	"github.com/nostrgit/ngit/relayclient"
)

func usage() {
	fmt.Fprintln(os.Stderr, `usage: git-nostr-cli <command> [args]

commands:
  repo create <identifier> [clone-url]       publish a new repository announcement
  repo addmaintainer <identifier> <npub>     add a pubkey to the maintainers tag
  repo clone <npub>:<identifier>             resolve and clone a repository by coordinate
  repo sync [--force]                        push from the local repo any oid a clone[] server lacks and another has`)
}

func main() {
	if len(os.Args) < 3 {
		usage()
		os.Exit(1)
	}

	cfg, err := config.LoadConfig("~/.config/git-nostr")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := log.New(os.Stderr, "git-nostr-cli: ", 0)
	pool, err := relayclient.Connect(cfg.Relays, logger)
	if err != nil {
		log.Fatal(err)
	}
	defer pool.Close()

	switch os.Args[1] {
	case "repo":
		if len(os.Args) < 3 {
			usage()
			os.Exit(1)
		}
		switch os.Args[2] {
		case "create":
			repoCreate(cfg, pool)
		case "addmaintainer":
			repoAddMaintainer(cfg, pool)
		case "clone":
			repoClone(cfg, pool)
		case "sync":
			repoSync(cfg, pool)
		default:
			usage()
			os.Exit(1)
		}
	default:
		usage()
		os.Exit(1)
	}
}

func publishAndWait(pool *relayclient.Pool, ev *nostr.Event, what string) {
	results := pool.Publish(ev)
	if !relayclient.AnyAccepted(results) {
		for _, r := range results {
			fmt.Fprintf(os.Stderr, "%s: %s: %s\n", r.Relay, r.Status, r.Message)
		}
		log.Fatalf("%s was not accepted by any relay", what)
	}
	for _, r := range results {
		if r.Status == nostr.PublishStatusSucceeded || r.Status == nostr.PublishStatusSent {
			fmt.Printf("published %s to %s\n", what, r.Relay)
		}
	}
}
