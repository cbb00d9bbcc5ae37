// Package alias resolves the user-facing forms a pubkey can take on the
// command line or in a nostr:// URL -- bare hex, bech32 npub, or a NIP-05
// address -- down to a hex pubkey.
package alias

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os/exec"
	"strings"
	"time"

	"github.com/nbd-wtf/go-nostr/nip19"
)

// ResolveHexPubKey accepts a bare 64-char hex pubkey, an npub..., or a NIP-05
// address (local@domain, or a bare domain treated as _@domain) and returns
// the 64-char hex pubkey.
func ResolveHexPubKey(s string) (string, error) {
	if isHex64(s) {
		return strings.ToLower(s), nil
	}
	if strings.HasPrefix(s, "npub") {
		data, prefix, err := nip19.Decode(s)
		if err != nil {
			return "", fmt.Errorf("decode %s: %w", s, err)
		}
		if prefix != "npub" {
			return "", fmt.Errorf("%s is not an npub", s)
		}
		return hex.EncodeToString(data), nil
	}
	return resolveNip05(s)
}

func isHex64(s string) bool {
	if len(s) != 64 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

// resolveNip05 resolves a NIP-05 address to a hex pubkey via
// /.well-known/nostr.json, checking a git-config cache first so repeated
// invocations against the same alias do not re-hit the network.
func resolveNip05(s string) (string, error) {
	local, domain, ok := strings.Cut(s, "@")
	if !ok {
		local, domain = "_", s
	}
	if domain == "" {
		return "", fmt.Errorf("empty domain in nip-05 address %q", s)
	}

	cacheKey := cacheConfigKey(domain, local)
	if cached, err := gitConfigGet(cacheKey); err == nil && cached != "" {
		return cached, nil
	}

	endpoint := fmt.Sprintf("https://%s/.well-known/nostr.json?name=%s", domain, url.QueryEscape(local))
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(endpoint)
	if err != nil {
		return "", fmt.Errorf("nip-05 lookup %s: %w", endpoint, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("nip-05 lookup %s: status %d", endpoint, resp.StatusCode)
	}

	var body struct {
		Names map[string]string `json:"names"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode nip-05 response from %s: %w", endpoint, err)
	}
	hexKey, ok := body.Names[local]
	if !ok || !isHex64(hexKey) {
		return "", fmt.Errorf("nip-05 address %q not found at %s", s, endpoint)
	}

	_ = gitConfigSet(cacheKey, hexKey)
	return hexKey, nil
}

func cacheConfigKey(domain, local string) string {
	sanitized := strings.NewReplacer(".", "-", "@", "-").Replace(domain + "." + local)
	return "nostr.nip05." + sanitized
}

func gitConfigGet(key string) (string, error) {
	out, err := exec.Command("git", "config", "--global", "--get", key).Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

func gitConfigSet(key, value string) error {
	return exec.Command("git", "config", "--global", key, value).Run()
}
