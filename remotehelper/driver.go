// Package remotehelper implements git's remote-helper line protocol:
// capabilities, list, fetch, push. Commands arrive strictly serially on
// stdin; every multi-line response is blank-line terminated on stdout.
// Diagnostics go to stderr so stdout stays byte-clean for git.
package remotehelper

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/nostrgit/ngit/errs"
	"github.com/nostrgit/ngit/nostrurl"
	"github.com/nostrgit/ngit/proposal"
	"github.com/nostrgit/ngit/pushpipeline"
	"github.com/nostrgit/ngit/reporef"
	"github.com/nostrgit/ngit/repostate"
)

const ansiYellow = "\x1b[33m"
const ansiReset = "\x1b[0m"

// Backend is the narrow interface the driver calls into; it is satisfied by
// the wiring in cmd/git-remote-nostr, keeping the driver itself free of any
// concrete resolver/dispatcher/pipeline dependency beyond their contracts.
type Backend interface {
	Resolve(ctx context.Context, url *nostrurl.URL) (*reporef.RepoRef, error)
	State(ctx context.Context, ref *reporef.RepoRef) (*repostate.RepoState, error)
	Proposals(ctx context.Context, ref *reporef.RepoRef) ([]*proposal.Proposal, error)
	FetchOids(ctx context.Context, ref *reporef.RepoRef, oids []string) error
	Push(ctx context.Context, ref *reporef.RepoRef, state *repostate.RepoState, entries []pushpipeline.Entry) []pushpipeline.Entry
}

// Driver runs the stdin/stdout command loop for one remote-helper
// invocation against one nostr:// URL.
type Driver struct {
	backend Backend
	url     *nostrurl.URL
	in      *bufio.Reader
	out     io.Writer
	errOut  io.Writer
	logger  *log.Logger

	ref   *reporef.RepoRef
	state *repostate.RepoState
}

func New(backend Backend, url *nostrurl.URL, in io.Reader, out, errOut io.Writer, logger *log.Logger) *Driver {
	if logger == nil {
		logger = log.Default()
	}
	return &Driver{backend: backend, url: url, in: bufio.NewReader(in), out: out, errOut: errOut, logger: logger}
}

// warn writes a WARNING line to stderr, colored when stderr is a real
// terminal (a piped git invocation gets the plain form).
func (d *Driver) warn(format string, args ...interface{}) {
	if f, ok := d.errOut.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
		fmt.Fprintf(d.errOut, ansiYellow+"WARNING: "+format+ansiReset+"\n", args...)
		return
	}
	fmt.Fprintf(d.errOut, "WARNING: "+format+"\n", args...)
}

// Run processes commands from stdin until a blank line (EOF of the
// protocol) or closed stdin, returning the process exit status.
func (d *Driver) Run(ctx context.Context) int {
	for {
		line, err := d.readLine()
		if err != nil {
			if err == io.EOF {
				return 0
			}
			fmt.Fprintf(d.errOut, "fatal: read command: %v\n", err)
			return 1
		}

		fields := strings.Fields(line)
		if len(fields) == 0 {
			return 0
		}

		var cmdErr error
		switch fields[0] {
		case "capabilities":
			cmdErr = d.capabilities()
		case "list":
			forPush := len(fields) > 1 && fields[1] == "for-push"
			cmdErr = d.list(ctx, forPush)
		case "fetch":
			cmdErr = d.fetchBatch(ctx, fields[1:])
		case "push":
			cmdErr = d.pushBatch(ctx, fields[1:])
		case "option":
			cmdErr = d.option(fields[1:])
		default:
			cmdErr = &errs.ProtocolViolation{Detail: "unknown command: " + fields[0]}
		}

		if cmdErr != nil {
			fmt.Fprintf(d.errOut, "error: %v\n", cmdErr)
		}
	}
}

func (d *Driver) readLine() (string, error) {
	line, err := d.in.ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (d *Driver) capabilities() error {
	fmt.Fprint(d.out, "fetch\npush\n\n")
	return nil
}

func (d *Driver) option(args []string) error {
	if len(args) == 0 {
		fmt.Fprint(d.out, "unsupported\n")
		return nil
	}
	switch args[0] {
	case "verbosity":
		fmt.Fprint(d.out, "ok\n")
	default:
		fmt.Fprint(d.out, "unsupported\n")
	}
	return nil
}

func (d *Driver) ensureResolved(ctx context.Context) error {
	if d.ref != nil {
		return nil
	}
	ref, err := d.backend.Resolve(ctx, d.url)
	if ref == nil {
		return err
	}
	d.ref = ref
	if ref.ForkSuspected {
		d.warn("fork suspected, disagreeing root commits: %v", ref.DisagreeingCommits)
	}
	if _, ok := err.(*errs.NoAnnouncement); ok {
		d.warn("%v", err)
		return nil
	}
	return err
}

// list builds the RepoState ref table, adds proposal refs, and emits it.
// for-push additionally would annotate writability, but the ref table
// itself needs no extra marking since git infers writability from the
// push attempt outcome.
func (d *Driver) list(ctx context.Context, forPush bool) error {
	if err := d.ensureResolved(ctx); err != nil {
		fmt.Fprint(d.out, "\n")
		return err
	}

	state, err := d.backend.State(ctx, d.ref)
	if err != nil {
		fmt.Fprint(d.out, "\n")
		return err
	}
	d.state = state

	for _, c := range state.Conflicts {
		d.warn("%s is %s on %s but %s on %s", c.Ref, c.Value, c.Author, c.OtherValue, c.OtherAuthor)
	}

	refs := map[string]string{}
	for k, v := range state.Refs {
		refs[k] = v
	}

	proposals, err := d.backend.Proposals(ctx, d.ref)
	if err != nil {
		d.warn("failed to index proposals: %v", err)
	}
	for _, p := range proposals {
		for name, value := range p.Refs() {
			refs[name] = value
		}
	}

	names := make([]string, 0, len(refs))
	for name := range refs {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		value := refs[name]
		if value == "" {
			continue
		}
		if strings.HasPrefix(value, "ref: ") {
			if !forPush {
				fmt.Fprintf(d.out, "@%s %s\n", strings.TrimPrefix(value, "ref: "), name)
			}
			continue
		}
		fmt.Fprintf(d.out, "%s %s\n", value, name)
	}
	fmt.Fprint(d.out, "\n")
	return nil
}

// fetchBatch groups requested oids and dispatches a fetch, then verifies
// every oid now resolves locally.
func (d *Driver) fetchBatch(ctx context.Context, firstArgs []string) error {
	if err := d.ensureResolved(ctx); err != nil {
		return err
	}

	oids := map[string]bool{}
	addFetchArgs(oids, firstArgs)

	for {
		line, err := d.readLine()
		if err != nil || line == "" {
			break
		}
		fields := strings.Fields(line)
		if len(fields) == 0 || fields[0] != "fetch" {
			break
		}
		addFetchArgs(oids, fields[1:])
	}

	oidList := make([]string, 0, len(oids))
	for oid := range oids {
		oidList = append(oidList, oid)
	}

	err := d.backend.FetchOids(ctx, d.ref, oidList)
	fmt.Fprint(d.out, "\n")
	return err
}

func addFetchArgs(oids map[string]bool, args []string) {
	if len(args) > 0 {
		oids[args[0]] = true
	}
}

// pushBatch classifies, authorizes, pushes, and reports one batch of
// src:dst entries, reading additional push lines until the blank
// terminator, and emitting results in the same order as requested.
func (d *Driver) pushBatch(ctx context.Context, firstArgs []string) error {
	if err := d.ensureResolved(ctx); err != nil {
		return err
	}
	if d.state == nil {
		state, err := d.backend.State(ctx, d.ref)
		if err != nil {
			return err
		}
		d.state = state
	}

	var entries []pushpipeline.Entry
	addPushArg(&entries, firstArgs)

	for {
		line, err := d.readLine()
		if err != nil || line == "" {
			break
		}
		fields := strings.Fields(line)
		if len(fields) == 0 || fields[0] != "push" {
			break
		}
		addPushArg(&entries, fields[1:])
	}

	results := d.backend.Push(ctx, d.ref, d.state, entries)
	for _, r := range results {
		if r.Err != nil {
			fmt.Fprintf(d.out, "error %s %s\n", r.Dst, r.Err.Error())
		} else {
			fmt.Fprintf(d.out, "ok %s\n", r.Dst)
		}
	}
	fmt.Fprint(d.out, "\n")
	return nil
}

func addPushArg(entries *[]pushpipeline.Entry, args []string) {
	if len(args) == 0 {
		return
	}
	src, dst, ok := strings.Cut(args[0], ":")
	if !ok {
		return
	}
	*entries = append(*entries, pushpipeline.Entry{Src: src, Dst: dst})
}

// discoveryDeadline mirrors config's default discovery timeout. The driver
// does not read it; Backend implementations apply their own deadlines.
const discoveryDeadline = 10 * time.Second
