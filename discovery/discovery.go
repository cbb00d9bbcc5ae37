// Package discovery recovers a repository coordinate when the caller has
// no nostr:// URL in hand -- typically an existing checkout whose origin
// predates the bridge, or a CLI invocation run from inside a worktree.
package discovery

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/nostrgit/ngit/alias"
	"github.com/nostrgit/ngit/nostrurl"
	"github.com/nostrgit/ngit/reporef"
)

// Result is a recovered coordinate plus wherever a relay hint came along
// with it.
type Result struct {
	Coordinate reporef.Coordinate
	RelayHint  string
	Source     string // "remote", "git-config", or "maintainers.yaml", for diagnostics
}

// maintainersFile is the shape of a repository-root maintainers.yaml, the
// last-resort fallback when neither a nostr:// remote nor nostr.repo git
// config is present.
type maintainersFile struct {
	Pubkey     string `yaml:"pubkey"`
	Npub       string `yaml:"npub"`
	Identifier string `yaml:"identifier"`
}

// Discover tries, in order: a remote in gitDir whose URL is nostr://, the
// git config key nostr.repo (format "<npub-or-hex>:<identifier>"), and a
// maintainers.yaml file at the root of worktreeDir.
func Discover(gitDir, worktreeDir string) (*Result, error) {
	if r, err := fromRemotes(gitDir); err == nil {
		return r, nil
	}
	if r, err := fromGitConfig(gitDir); err == nil {
		return r, nil
	}
	if r, err := fromMaintainersFile(worktreeDir); err == nil {
		return r, nil
	}
	return nil, fmt.Errorf("no nostr:// remote, nostr.repo config, or maintainers.yaml found")
}

func fromRemotes(gitDir string) (*Result, error) {
	out, err := exec.Command("git", "--git-dir", gitDir, "remote", "-v").Output()
	if err != nil {
		return nil, err
	}
	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 || !strings.HasPrefix(fields[1], "nostr://") {
			continue
		}
		return fromURL(fields[1], "remote")
	}
	return nil, fmt.Errorf("no nostr:// remote configured")
}

func fromGitConfig(gitDir string) (*Result, error) {
	out, err := exec.Command("git", "--git-dir", gitDir, "config", "--get", "nostr.repo").Output()
	if err != nil {
		return nil, err
	}
	raw := strings.TrimSpace(string(out))
	name, identifier, ok := strings.Cut(raw, ":")
	if !ok {
		return nil, fmt.Errorf("malformed nostr.repo value %q, expected <npub-or-hex>:<identifier>", raw)
	}
	pubkey, err := alias.ResolveHexPubKey(name)
	if err != nil {
		return nil, err
	}
	return &Result{Coordinate: reporef.Coordinate{Pubkey: pubkey, Identifier: identifier}, Source: "git-config"}, nil
}

func fromMaintainersFile(worktreeDir string) (*Result, error) {
	data, err := os.ReadFile(filepath.Join(worktreeDir, "maintainers.yaml"))
	if err != nil {
		return nil, err
	}
	var m maintainersFile
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse maintainers.yaml: %w", err)
	}

	name := m.Pubkey
	if name == "" {
		name = m.Npub
	}
	if name == "" || m.Identifier == "" {
		return nil, fmt.Errorf("maintainers.yaml missing pubkey/npub or identifier")
	}
	pubkey, err := alias.ResolveHexPubKey(name)
	if err != nil {
		return nil, err
	}
	return &Result{Coordinate: reporef.Coordinate{Pubkey: pubkey, Identifier: m.Identifier}, Source: "maintainers.yaml"}, nil
}

func fromURL(raw, source string) (*Result, error) {
	u, err := nostrurl.Parse(raw)
	if err != nil {
		return nil, err
	}
	pubkey, err := alias.ResolveHexPubKey(u.Alias)
	if err != nil {
		return nil, err
	}
	return &Result{
		Coordinate: reporef.Coordinate{Pubkey: pubkey, Identifier: u.Identifier},
		RelayHint:  u.RelayHint,
		Source:     source,
	}, nil
}
