// git-nostr-ssh is the forced-command set for an authorized_keys entry:
// sshd invokes it with the connecting key's pubkey as argv[1] and the
// actual git-upload-pack/git-receive-pack invocation in
// SSH_ORIGINAL_COMMAND. It resolves the requested <owner-pubkey>/<repo-name>
// to its maintainer_set and only allows git-receive-pack (push) through for
// a member of that set; read access is open to anyone who can reach the
// repository, matching how an announced coordinate has no private mode.
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	shellquote "github.com/kballard/go-shellquote"

	"github.com/nostrgit/ngit/config"
	"github.com/nostrgit/ngit/eventcache"
	"github.com/nostrgit/ngit/relayclient"
	"github.com/nostrgit/ngit/reporef"
)

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintln(os.Stderr, "interactive login not allowed")
		os.Exit(1)
	}
	targetPubKey := os.Args[1]
	if _, err := hex.DecodeString(targetPubKey); err != nil {
		fmt.Fprintln(os.Stderr, "fatal: invalid connecting pubkey")
		os.Exit(1)
	}

	sshCommand := os.Getenv("SSH_ORIGINAL_COMMAND")
	if sshCommand == "" {
		fmt.Fprintln(os.Stderr, "interactive login not allowed")
		os.Exit(1)
	}

	words, err := shellquote.Split(sshCommand)
	if err != nil || len(words) != 2 {
		fmt.Fprintln(os.Stderr, "fatal: invalid git command format")
		os.Exit(1)
	}
	verb, repoParam := words[0], words[1]

	ownerPubKey, repoName, ok := strings.Cut(repoParam, "/")
	if !ok {
		fmt.Fprintf(os.Stderr, "fatal: invalid repository path format: '%s'\n", repoParam)
		fmt.Fprintln(os.Stderr, "hint: expected <owner-pubkey>/<identifier>")
		os.Exit(1)
	}
	if _, err := hex.DecodeString(ownerPubKey); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: invalid repository owner pubkey in '%s'\n", repoParam)
		os.Exit(1)
	}
	repoName = strings.TrimSuffix(repoName, ".git")

	cfg, err := config.LoadConfig("~/.config/git-nostr")
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	dir, err := config.ResolvePath(cfg.RepositoryDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: resolve repository directory: %v\n", err)
		os.Exit(1)
	}
	repoPath := filepath.Join(dir, ownerPubKey, repoName+".git")
	if _, err := os.Stat(repoPath); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: repository '%s/%s' not found\n", ownerPubKey, repoName)
		os.Exit(1)
	}

	if verb == "git-receive-pack" {
		if err := requireMaintainer(cfg, ownerPubKey, repoName, targetPubKey); err != nil {
			fmt.Fprintf(os.Stderr, "fatal: permission denied for push to '%s/%s': %v\n", ownerPubKey, repoName, err)
			os.Exit(1)
		}
	} else if verb != "git-upload-pack" {
		fmt.Fprintf(os.Stderr, "fatal: unsupported command '%s'\n", verb)
		os.Exit(1)
	}

	c := exec.Command("git", "shell", "-c", shellquote.Join(verb, repoPath))
	c.Stdout, c.Stdin, c.Stderr = os.Stdout, os.Stdin, os.Stderr
	if err := c.Run(); err != nil {
		fmt.Fprintln(os.Stderr, "git error:", err)
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.ExitCode())
		}
		os.Exit(1)
	}
}

func requireMaintainer(cfg *config.Config, ownerPubKey, identifier, targetPubKey string) error {
	cachePath, err := config.ResolvePath("~/.cache/git-nostr/events.db")
	if err != nil {
		return err
	}
	cache, err := eventcache.Open(cachePath)
	if err != nil {
		return err
	}
	defer cache.Close()

	logger := discardLogger()
	pool, err := relayclient.Connect(cfg.Relays, logger)
	if err != nil {
		return err
	}
	defer pool.Close()

	resolver := reporef.New(cache, pool, "", logger)
	ref, err := resolver.Resolve(context.Background(), reporef.Coordinate{Pubkey: ownerPubKey, Identifier: identifier}, cfg.DiscoveryTimeout)
	if ref == nil {
		return err
	}
	for _, m := range ref.MaintainerSet {
		if m == targetPubKey {
			return nil
		}
	}
	return fmt.Errorf("%s is not in the maintainer set for %s", targetPubKey, identifier)
}

func discardLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}
