// Package gitserver is the per-URL protocol selection, auth fallback,
// retry, and timeout-enforcement dispatcher, plus the clone-URL
// protocol-rewriting helpers it depends on.
package gitserver

import (
	"fmt"
	"net/url"
	"strings"
)

// Protocol is one transport the dispatcher can attempt against a clone URL.
type Protocol int

const (
	Unspecified Protocol = iota
	Ssh
	Https
	Http
	Git
	Ftp
	Filesystem
	UnauthHttps
	UnauthHttp
)

func (p Protocol) String() string {
	switch p {
	case Ssh:
		return "ssh"
	case Https:
		return "https"
	case Http:
		return "http"
	case Git:
		return "git"
	case Ftp:
		return "ftp"
	case Filesystem:
		return "filesystem"
	case UnauthHttps:
		return "unauth-https"
	case UnauthHttp:
		return "unauth-http"
	default:
		return "unspecified"
	}
}

// protocolsMatch treats the authenticated/unauthenticated forms of the same
// underlying scheme as one family, so a custom port is preserved across
// e.g. Https -> UnauthHttps but not across Https -> Ssh.
func protocolsMatch(a, b Protocol) bool {
	fam := func(p Protocol) int {
		switch p {
		case Https, UnauthHttps:
			return 1
		case Http, UnauthHttp:
			return 2
		default:
			return int(p) + 10
		}
	}
	return fam(a) == fam(b)
}

// CloneUrl is a parsed git-server URL, protocol-agnostic until FormatAs
// is asked to render it for a specific transport.
type CloneUrl struct {
	Original string
	Host     string
	Path     string
	User     string
	Port     string // empty if default for the protocol
	Protocol Protocol
}

// ParseCloneUrl parses a clone[] URL. It special-cases filesystem paths and
// git@host:path SSH shorthand, matching the reference clone-URL parser.
func ParseCloneUrl(raw string) (*CloneUrl, error) {
	if raw == "" {
		return nil, fmt.Errorf("empty clone url")
	}
	if raw == "/" || strings.HasPrefix(raw, "/") || strings.HasPrefix(raw, "./") || strings.HasPrefix(raw, "../") {
		return &CloneUrl{Original: raw, Path: raw, Protocol: Filesystem}, nil
	}

	// git@host:path shorthand.
	if !strings.Contains(raw, "://") && strings.Contains(raw, "@") && strings.Contains(raw, ":") {
		at := strings.Index(raw, "@")
		colon := strings.Index(raw, ":")
		if colon > at {
			user := raw[:at]
			hostPart, pathPart, ok := strings.Cut(raw[at+1:], ":")
			if ok {
				return &CloneUrl{Original: raw, User: user, Host: hostPart, Path: pathPart, Protocol: Ssh}, nil
			}
		}
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse clone url %q: %w", raw, err)
	}

	proto := protocolFromScheme(u.Scheme)
	host := u.Hostname()
	port := u.Port()
	user := ""
	if u.User != nil {
		user = u.User.Username()
	}

	return &CloneUrl{
		Original: raw,
		Host:     host,
		Path:     strings.TrimPrefix(u.Path, "/"),
		User:     user,
		Port:     port,
		Protocol: proto,
	}, nil
}

func protocolFromScheme(scheme string) Protocol {
	switch scheme {
	case "ssh":
		return Ssh
	case "https":
		return Https
	case "http":
		return Http
	case "git":
		return Git
	case "ftp":
		return Ftp
	default:
		return Unspecified
	}
}

// ShortName renders "{host}/{path}" with no protocol/credentials, used as
// the lookup key for persisted protocol preferences.
func (c *CloneUrl) ShortName() string {
	return c.Host + "/" + strings.TrimPrefix(c.Path, "/")
}

// FormatAs rebuilds a URL string targeting the given protocol, preserving a
// custom port only when the source and target protocol families match, and
// always stripping credentials. user overrides the SSH login user when
// non-empty (the nym1@ssh selector never changes the login user itself,
// only which key file is used).
func (c *CloneUrl) FormatAs(target Protocol, sshUser string) (string, error) {
	if target == Filesystem {
		return c.Path, nil
	}

	keepPort := c.Port != "" && protocolsMatch(c.Protocol, target)

	switch target {
	case Ssh:
		user := "git"
		if sshUser != "" {
			user = sshUser
		}
		if keepPort {
			return fmt.Sprintf("ssh://%s@%s:%s/%s", user, c.Host, c.Port, c.Path), nil
		}
		return fmt.Sprintf("%s@%s:%s", user, c.Host, c.Path), nil
	case Https, UnauthHttps:
		if keepPort {
			return fmt.Sprintf("https://%s:%s/%s", c.Host, c.Port, c.Path), nil
		}
		return fmt.Sprintf("https://%s/%s", c.Host, c.Path), nil
	case Http, UnauthHttp:
		if keepPort {
			return fmt.Sprintf("http://%s:%s/%s", c.Host, c.Port, c.Path), nil
		}
		return fmt.Sprintf("http://%s/%s", c.Host, c.Path), nil
	case Git:
		if keepPort {
			return fmt.Sprintf("git://%s:%s/%s", c.Host, c.Port, c.Path), nil
		}
		return fmt.Sprintf("git://%s/%s", c.Host, c.Path), nil
	case Ftp:
		if keepPort {
			return fmt.Sprintf("ftp://%s:%s/%s", c.Host, c.Port, c.Path), nil
		}
		return fmt.Sprintf("ftp://%s/%s", c.Host, c.Path), nil
	case Unspecified:
		return fmt.Sprintf("%s/%s", c.Host, c.Path), nil
	default:
		return "", fmt.Errorf("unsupported target protocol %v", target)
	}
}

// IsGraspForm reports whether a clone URL is the grasp {server}/{npub}/{id}.git
// shape: an https URL whose first two path segments look like an npub and a
// repo id.
func (c *CloneUrl) IsGraspForm() bool {
	if c.Protocol != Https && c.Protocol != Unspecified {
		return false
	}
	parts := strings.Split(strings.Trim(c.Path, "/"), "/")
	return len(parts) >= 2 && strings.HasPrefix(parts[0], "npub")
}
