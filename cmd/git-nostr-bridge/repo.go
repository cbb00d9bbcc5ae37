package main

import (
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/nbd-wtf/go-nostr"

	"github.com/nostrgit/ngit/config"
)

// errRepositoryNotExists signals that a state event arrived before this
// repository's bare directory was created locally. The event stays in the
// cache; it is not re-applied when a later announcement creates the mirror.
var errRepositoryNotExists = errors.New("repository does not exist locally yet")

// handleAnnouncement ensures a bare mirror exists for every identifier this
// pubkey announces, cloning from the announcement's clone[] list the first
// time it is seen. Once the mirror exists, a later announcement for the same
// coordinate changes nothing on disk (the event itself is already cached by
// the caller); it never re-clones.
func handleAnnouncement(ev nostr.Event, cfg *config.Config) error {
	identifier := tagValue(ev.Tags, "d")
	if identifier == "" {
		return fmt.Errorf("announcement %s missing d tag", ev.ID)
	}

	path, err := repoPath(cfg, ev.PubKey, identifier)
	if err != nil {
		return err
	}

	if _, err := os.Stat(path); err == nil {
		return nil
	}

	clones := tagValues(ev.Tags, "clone")
	if len(clones) == 0 {
		log.Printf("📦 [Bridge] no clone URLs announced for %s, creating empty mirror", identifier)
		return initBareRepo(path)
	}

	var lastErr error
	for _, source := range clones {
		if err := cloneRepository(path, source); err != nil {
			lastErr = err
			log.Printf("⚠️ [Bridge] clone from %s failed: %v", source, err)
			continue
		}
		log.Printf("✅ [Bridge] mirrored %s from %s", identifier, source)
		return nil
	}
	log.Printf("⚠️ [Bridge] all clone URLs failed for %s, creating empty mirror: %v", identifier, lastErr)
	return initBareRepo(path)
}

func repoPath(cfg *config.Config, pubkey, identifier string) (string, error) {
	dir, err := config.ResolvePath(cfg.RepositoryDir)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, pubkey, identifier+".git"), nil
}

func initBareRepo(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create repo parent dir: %w", err)
	}
	if out, err := exec.Command("git", "init", "--bare", path).CombinedOutput(); err != nil {
		return fmt.Errorf("git init --bare: %w: %s", err, out)
	}
	return ensureHead(path)
}

// cloneRepository normalizes the source URL to something git can fetch
// anonymously (grasp-style git:// and bare git@ forms are rewritten to
// https://) before cloning bare.
func cloneRepository(path, source string) error {
	source = normalizeCloneSource(source)

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create repo parent dir: %w", err)
	}

	cmd := exec.Command("git", "clone", "--bare", source, path)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("git clone --bare %s: %w: %s", source, err, out)
	}
	return ensureHead(path)
}

func normalizeCloneSource(source string) string {
	switch {
	case strings.HasPrefix(source, "git://"):
		return "https://" + strings.TrimPrefix(source, "git://")
	case strings.HasPrefix(source, "git@"):
		rest := strings.TrimPrefix(source, "git@")
		host, path, ok := strings.Cut(rest, ":")
		if !ok {
			return source
		}
		return "https://" + host + "/" + path
	default:
		return source
	}
}

// ensureHead sets HEAD to whichever of main/master actually resolves,
// falling back to main for an empty repository so the first push doesn't
// land on a dangling default branch.
func ensureHead(path string) error {
	if exec.Command("git", "--git-dir", path, "rev-parse", "--verify", "HEAD").Run() == nil {
		return nil
	}
	for _, candidate := range []string{"refs/heads/main", "refs/heads/master"} {
		if exec.Command("git", "--git-dir", path, "rev-parse", "--verify", candidate).Run() == nil {
			return exec.Command("git", "--git-dir", path, "symbolic-ref", "HEAD", candidate).Run()
		}
	}
	return exec.Command("git", "--git-dir", path, "symbolic-ref", "HEAD", "refs/heads/main").Run()
}

func tagValue(tags nostr.Tags, name string) string {
	for _, t := range tags {
		if len(t) >= 2 && t[0] == name {
			return t[1]
		}
	}
	return ""
}

func tagValues(tags nostr.Tags, name string) []string {
	var out []string
	for _, t := range tags {
		if len(t) >= 2 && t[0] == name {
			out = append(out, t[1])
		}
	}
	return out
}
