// Package nostrurl parses the nostr:// remote-helper URL surface:
//
//	nostr://[user@][proto/]<alias>[/<relay-hint>]/<identifier>
//
// alias is a bech32 npub or a NIP-05 address; NIP-05 resolution itself is
// the resolver's job, not the parser's.
package nostrurl

import (
	"net/url"
	"strings"

	"github.com/nostrgit/ngit/errs"
)

// Protocol is the transport forced by an explicit proto/ segment.
type Protocol string

const (
	ProtoUnspecified Protocol = ""
	ProtoHTTP        Protocol = "http"
	ProtoHTTPS       Protocol = "https"
	ProtoSSH         Protocol = "ssh"
	ProtoGit         Protocol = "git"
	ProtoNgitRelay   Protocol = "ngit-relay"
	ProtoGrasp       Protocol = "grasp"
)

func protocolFromSegment(s string) (Protocol, bool) {
	switch Protocol(s) {
	case ProtoHTTP, ProtoHTTPS, ProtoSSH, ProtoGit, ProtoNgitRelay, ProtoGrasp:
		return Protocol(s), true
	default:
		return ProtoUnspecified, false
	}
}

// URL is the parsed form of a nostr:// remote URL.
type URL struct {
	Original string

	// SSHKeyFile is set when the user component selected an SSH key file
	// rather than a login name, e.g. nostr://nym1@ssh/npub.../repo.
	SSHKeyFile string

	Protocol Protocol

	// Alias is either a bech32 npub or a NIP-05 address. Resolution to a
	// hex pubkey happens in the resolver, not here.
	Alias string

	// RelayHint is an optional relay host used as a discovery starting
	// point; empty if absent.
	RelayHint string

	// Identifier is the remaining, percent-decoded path segment.
	Identifier string
}

// Parse parses a nostr:// URL into its components. It fails with *errs.BadUrl
// on unknown scheme, missing alias, or empty identifier.
func Parse(raw string) (*URL, error) {
	const scheme = "nostr://"
	if !strings.HasPrefix(raw, scheme) {
		return nil, &errs.BadUrl{URL: raw, Reason: "missing nostr:// scheme"}
	}
	rest := raw[len(scheme):]
	if rest == "" {
		return nil, &errs.BadUrl{URL: raw, Reason: "empty body"}
	}

	out := &URL{Original: raw}

	// Optional leading "user@" selecting an SSH key file rather than a
	// login name. Most git servers expect the SSH login user itself to be
	// "git"; this component only ever names a key file.
	if at := strings.Index(rest, "@"); at >= 0 {
		// Only treat it as a user component when it sits in the first path
		// segment and is followed by the ssh proto segment ("nym1@ssh/...");
		// any other "@" belongs to the alias, e.g. the NIP-05 address in
		// nostr://dan@gitworkshop.dev/ngit.
		seg, _, _ := strings.Cut(rest[at+1:], "/")
		if !strings.Contains(rest[:at], "/") && Protocol(seg) == ProtoSSH {
			out.SSHKeyFile = rest[:at]
			rest = rest[at+1:]
		}
	}

	segs := strings.Split(rest, "/")
	segs = trimEmptyTrailing(segs)
	if len(segs) == 0 {
		return nil, &errs.BadUrl{URL: raw, Reason: "missing alias"}
	}

	// Optional proto/ segment.
	if proto, ok := protocolFromSegment(segs[0]); ok {
		out.Protocol = proto
		segs = segs[1:]
	}

	if len(segs) == 0 {
		return nil, &errs.BadUrl{URL: raw, Reason: "missing alias"}
	}
	out.Alias = segs[0]
	if out.Alias == "" {
		return nil, &errs.BadUrl{URL: raw, Reason: "empty alias"}
	}
	segs = segs[1:]

	if len(segs) == 0 {
		return nil, &errs.BadUrl{URL: raw, Reason: "missing identifier"}
	}

	// Last segment is always the identifier; anything between alias and
	// identifier is a relay hint. Only one relay hint is supported by this
	// grammar (a single optional segment).
	identifierRaw := segs[len(segs)-1]
	if len(segs) > 1 {
		out.RelayHint = segs[0]
	}

	identifier, err := url.PathUnescape(identifierRaw)
	if err != nil {
		return nil, &errs.BadUrl{URL: raw, Reason: "bad percent-encoding in identifier"}
	}
	if identifier == "" {
		return nil, &errs.BadUrl{URL: raw, Reason: "empty identifier"}
	}
	out.Identifier = identifier

	return out, nil
}

func trimEmptyTrailing(segs []string) []string {
	for len(segs) > 0 && segs[len(segs)-1] == "" {
		segs = segs[:len(segs)-1]
	}
	return segs
}

// String reconstructs the nostr:// form, case-folding the host-like alias
// component and re-encoding the identifier. Parse(s.String()) is idempotent
// for any URL already produced this way (invariant 2).
func (u *URL) String() string {
	var b strings.Builder
	b.WriteString("nostr://")
	if u.SSHKeyFile != "" {
		b.WriteString(u.SSHKeyFile)
		b.WriteByte('@')
	}
	if u.Protocol != ProtoUnspecified {
		b.WriteString(string(u.Protocol))
		b.WriteByte('/')
	}
	b.WriteString(strings.ToLower(u.Alias))
	b.WriteByte('/')
	if u.RelayHint != "" {
		b.WriteString(u.RelayHint)
		b.WriteByte('/')
	}
	b.WriteString(url.PathEscape(u.Identifier))
	return b.String()
}
