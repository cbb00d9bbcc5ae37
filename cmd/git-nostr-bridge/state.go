package main

import (
	"fmt"
	"log"
	"os"
	"os/exec"
	"strings"

	"github.com/nbd-wtf/go-nostr"

	"github.com/nostrgit/ngit/config"
)

// handleState applies a maintainer's state event (kind 30618) to the local
// bare mirror, if one exists. Each ref is set to the value the event
// carries, without an ancestry check; a commit missing locally leaves the
// ref at its current value, and an empty commit never overwrites a ref that
// currently has files, since a bridge replaying events out of order is a
// routine occurrence, not an error.
func handleState(ev nostr.Event, cfg *config.Config) error {
	identifier := tagValue(ev.Tags, "d")
	if identifier == "" {
		return fmt.Errorf("state event %s missing d tag", ev.ID)
	}

	path, err := repoPath(cfg, ev.PubKey, identifier)
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return errRepositoryNotExists
	}

	var headTarget string
	updated := 0
	for _, tag := range ev.Tags {
		if len(tag) < 2 {
			continue
		}
		name, value := tag[0], tag[1]
		switch {
		case name == "HEAD" && strings.HasPrefix(value, "ref: "):
			headTarget = strings.TrimPrefix(value, "ref: ")
		case strings.HasPrefix(name, "refs/"):
			if applyRefUpdate(path, name, value) {
				updated++
			}
		}
	}

	if headTarget != "" {
		if err := exec.Command("git", "--git-dir", path, "symbolic-ref", "HEAD", headTarget).Run(); err != nil {
			log.Printf("⚠️ [Bridge] failed to update HEAD to %s for %s: %v", headTarget, identifier, err)
		}
	}

	log.Printf("🔄 [Bridge] applied state event for %s: %d ref(s) updated", identifier, updated)
	return nil
}

// applyRefUpdate resolves the commit (falling back to the ref's current
// value if the named commit isn't present locally yet), guards against
// clobbering a populated ref with an empty tree, and runs update-ref.
func applyRefUpdate(gitDir, ref, commit string) bool {
	if commit == "" {
		return false
	}
	if !commitExists(gitDir, commit) {
		fallback := currentOid(gitDir, ref)
		if fallback == "" {
			log.Printf("⚠️ [Bridge] %s points at unknown commit %s and has no current value, skipping", ref, short(commit))
			return false
		}
		commit = fallback
	}

	if treeIsEmpty(gitDir, commit) {
		if current := currentOid(gitDir, ref); current != "" && current != commit && !treeIsEmpty(gitDir, current) {
			log.Printf("🛡️ [Bridge] refusing to overwrite non-empty %s with empty commit %s", ref, short(commit))
			return false
		}
	}

	out, err := exec.Command("git", "--git-dir", gitDir, "update-ref", ref, commit).CombinedOutput()
	if err != nil {
		log.Printf("⚠️ [Bridge] update-ref %s %s failed: %v: %s", ref, short(commit), err, out)
		return false
	}
	return true
}

func commitExists(gitDir, commit string) bool {
	return exec.Command("git", "--git-dir", gitDir, "cat-file", "-e", commit).Run() == nil
}

func currentOid(gitDir, ref string) string {
	out, err := exec.Command("git", "--git-dir", gitDir, "rev-parse", ref).Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

func treeIsEmpty(gitDir, commit string) bool {
	out, err := exec.Command("git", "--git-dir", gitDir, "ls-tree", "-r", "--name-only", commit).Output()
	return err == nil && strings.TrimSpace(string(out)) == ""
}

func short(commit string) string {
	if len(commit) > 8 {
		return commit[:8]
	}
	return commit
}
