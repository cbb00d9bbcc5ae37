package discovery

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFromMaintainersFile(t *testing.T) {
	dir := t.TempDir()
	hex := "a9d1a4a2f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0"
	content := "pubkey: " + hex + "\nidentifier: myrepo\n"
	if err := os.WriteFile(filepath.Join(dir, "maintainers.yaml"), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	r, err := fromMaintainersFile(dir)
	if err != nil {
		t.Fatalf("fromMaintainersFile: %v", err)
	}
	if r.Coordinate.Pubkey != hex {
		t.Errorf("pubkey = %q, want %q", r.Coordinate.Pubkey, hex)
	}
	if r.Coordinate.Identifier != "myrepo" {
		t.Errorf("identifier = %q, want %q", r.Coordinate.Identifier, "myrepo")
	}
	if r.Source != "maintainers.yaml" {
		t.Errorf("source = %q, want maintainers.yaml", r.Source)
	}
}

func TestFromMaintainersFileMissingFields(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "maintainers.yaml"), []byte("identifier: myrepo\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := fromMaintainersFile(dir); err == nil {
		t.Fatal("expected error for missing pubkey/npub")
	}
}

func TestFromMaintainersFileAbsent(t *testing.T) {
	dir := t.TempDir()
	if _, err := fromMaintainersFile(dir); err == nil {
		t.Fatal("expected error when maintainers.yaml does not exist")
	}
}

func TestDiscoverFallsThroughToMaintainersFile(t *testing.T) {
	dir := t.TempDir()
	hex := "b9d1a4a2f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0"
	content := "npub: " + hex + "\nidentifier: fallback\n"
	if err := os.WriteFile(filepath.Join(dir, "maintainers.yaml"), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	// gitDir doesn't exist, so the remote/config lookups fail and the
	// chain should fall through to the worktree's maintainers.yaml.
	r, err := Discover(filepath.Join(dir, "nonexistent.git"), dir)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if r.Coordinate.Identifier != "fallback" {
		t.Errorf("identifier = %q, want fallback", r.Coordinate.Identifier)
	}
}
