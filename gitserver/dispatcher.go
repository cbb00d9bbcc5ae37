package gitserver

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/nostrgit/ngit/errs"
)

// Direction is which way the dispatcher is moving data.
type Direction string

const (
	Fetch Direction = "fetch"
	Push  Direction = "push"
)

// Dispatcher chooses, attempts, and remembers transports per §4.6.
type Dispatcher struct {
	gitDir     string // bare repo git-dir the plumbing operates on
	timeout    time.Duration
	sshUser    string
	sshKeyFile string // selected by the nym1@ssh URL selector, or config's default
	logger     *log.Logger
}

func New(gitDir string, timeout time.Duration, sshUser, sshKeyFile string, logger *log.Logger) *Dispatcher {
	if logger == nil {
		logger = log.Default()
	}
	return &Dispatcher{gitDir: gitDir, timeout: timeout, sshUser: sshUser, sshKeyFile: sshKeyFile, logger: logger}
}

// AttemptOrder returns the ordered list of protocols to try for one server
// URL and direction, explicit-protocol override, grasp-form special-casing,
// and persisted preference all folded in, per §4.6 and the protocol-
// preference-persistence supplement.
func (d *Dispatcher) AttemptOrder(c *CloneUrl, direction Direction, explicit Protocol) []Protocol {
	if explicit != Unspecified {
		return []Protocol{explicit}
	}
	if c.Protocol == Filesystem {
		return []Protocol{Filesystem}
	}
	if c.IsGraspForm() {
		if direction == Fetch {
			return []Protocol{UnauthHttps}
		}
		return []Protocol{Https}
	}

	var base []Protocol
	switch direction {
	case Fetch:
		base = []Protocol{UnauthHttps, Ssh, Https}
	case Push:
		base = []Protocol{Ssh, Https}
	}

	if pref, ok := d.getPreference(c, direction); ok {
		base = moveToFront(base, pref)
	}
	return base
}

func moveToFront(order []Protocol, p Protocol) []Protocol {
	out := []Protocol{p}
	for _, o := range order {
		if o != p {
			out = append(out, o)
		}
	}
	return out
}

// Attempt is the outcome of one protocol try against one server.
type Attempt struct {
	Protocol Protocol
	URL      string
	Err      error
}

// DispatchFetch tries each protocol in order for one server until one
// succeeds, persisting the winner. refs are passed to git fetch verbatim;
// callers pass the oids they need resolvable locally afterward.
func (d *Dispatcher) DispatchFetch(ctx context.Context, c *CloneUrl, explicit Protocol, refs []string) ([]Attempt, error) {
	return d.dispatch(ctx, c, Fetch, explicit, func(ctx context.Context, url string, proto Protocol) error {
		args := append([]string{"--git-dir", d.gitDir, "fetch", url}, refs...)
		return d.runGit(ctx, d.sshEnvFor(proto), args...)
	})
}

// DispatchPush tries each protocol in order for one server until one
// succeeds, persisting the winner. refspecs are passed through to git push
// verbatim.
func (d *Dispatcher) DispatchPush(ctx context.Context, c *CloneUrl, explicit Protocol, refspecs []string) ([]Attempt, error) {
	return d.dispatch(ctx, c, Push, explicit, func(ctx context.Context, url string, proto Protocol) error {
		args := append([]string{"--git-dir", d.gitDir, "push", url}, refspecs...)
		return d.runGit(ctx, d.sshEnvFor(proto), args...)
	})
}

func (d *Dispatcher) dispatch(ctx context.Context, c *CloneUrl, direction Direction, explicit Protocol, do func(context.Context, string, Protocol) error) ([]Attempt, error) {
	order := d.AttemptOrder(c, direction, explicit)
	var attempts []Attempt

	for i, proto := range order {
		url, err := c.FormatAs(proto, d.sshUser)
		if err != nil {
			attempts = append(attempts, Attempt{Protocol: proto, Err: err})
			continue
		}

		attemptCtx, cancel := context.WithTimeout(ctx, d.timeout)
		d.logger.Printf("🔄 %s attempt %d/%d: %s over %s", direction, i+1, len(order), c.ShortName(), proto)
		err = do(attemptCtx, url, proto)
		cancel()

		attempts = append(attempts, Attempt{Protocol: proto, URL: url, Err: err})
		if err == nil {
			d.setPreference(c, direction, proto)
			return attempts, nil
		}

		if proto == Ssh && !errorMightBeAuthRelated(err) {
			// Authenticated fine but failed for another reason; further
			// protocols are unlikely to fare better, so stop here.
			break
		}
	}

	var tried []string
	for _, a := range attempts {
		tried = append(tried, a.Protocol.String())
	}
	return attempts, &errs.AllEndpointsFailed{Direction: string(direction), Attempts: tried}
}

func (d *Dispatcher) runGit(ctx context.Context, env []string, args ...string) error {
	cmd := exec.CommandContext(ctx, "git", args...)
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return &errs.Timeout{Op: "git " + strings.Join(args, " ")}
		}
		return fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return nil
}

// sshEnvFor validates the configured key file with a real SSH parser before
// ever shelling out, so a malformed or unreadable key is reported with a
// clear warning in the log. A key that doesn't read or parse is treated as
// absent -- the attempt falls through to whatever key ssh-agent or
// ~/.ssh/config would otherwise select.
func (d *Dispatcher) sshEnvFor(proto Protocol) []string {
	if proto != Ssh || d.sshKeyFile == "" {
		return nil
	}
	data, err := os.ReadFile(d.sshKeyFile)
	if err != nil {
		d.logger.Printf("⚠️ ssh key %s unreadable, falling back to agent/config: %v", d.sshKeyFile, err)
		return nil
	}
	if _, err := ssh.ParsePrivateKey(data); err != nil {
		d.logger.Printf("⚠️ ssh key %s does not parse, falling back to agent/config: %v", d.sshKeyFile, err)
		return nil
	}
	return []string{"GIT_SSH_COMMAND=ssh -i " + d.sshKeyFile + " -o IdentitiesOnly=yes"}
}

// errorMightBeAuthRelated mirrors the reference dispatcher's heuristic for
// deciding whether to keep trying protocols after a failed SSH attempt.
func errorMightBeAuthRelated(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, needle := range []string{
		"no ssh keys found",
		"invalid or unknown remote ssh hostkey",
		"authentication",
		"permission",
		"not found",
	} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}

// getPreference reads the persisted "nostr.protocol-{push|fetch}" git
// config value and looks up this server's short name within it.
func (d *Dispatcher) getPreference(c *CloneUrl, direction Direction) (Protocol, bool) {
	out, err := exec.Command("git", "--git-dir", d.gitDir, "config", "--get", preferenceKey(direction)).Output()
	if err != nil {
		return Unspecified, false
	}
	for _, entry := range strings.Split(strings.TrimSpace(string(out)), ";") {
		proto, name, ok := strings.Cut(entry, ",")
		if !ok || name != c.ShortName() {
			continue
		}
		return protocolFromName(proto), true
	}
	return Unspecified, false
}

// setPreference rewrites the preference list, dropping any stale entry for
// this server's short name and appending the new winner.
func (d *Dispatcher) setPreference(c *CloneUrl, direction Direction, proto Protocol) {
	key := preferenceKey(direction)
	out, _ := exec.Command("git", "--git-dir", d.gitDir, "config", "--get", key).Output()

	var kept []string
	for _, entry := range strings.Split(strings.TrimSpace(string(out)), ";") {
		if entry == "" {
			continue
		}
		_, name, ok := strings.Cut(entry, ",")
		if ok && name == c.ShortName() {
			continue
		}
		kept = append(kept, entry)
	}
	kept = append(kept, proto.String()+","+c.ShortName())

	_ = exec.Command("git", "--git-dir", d.gitDir, "config", key, strings.Join(kept, ";")).Run()
}

func preferenceKey(direction Direction) string {
	return "nostr.protocol-" + string(direction)
}

func protocolFromName(s string) Protocol {
	switch s {
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
	case "filesystem":
		return Filesystem
	case "unauth-https":
		return UnauthHttps
	case "unauth-http":
		return UnauthHttp
	default:
		return Unspecified
	}
}
