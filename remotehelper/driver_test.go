package remotehelper

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/nostrgit/ngit/nostrurl"
	"github.com/nostrgit/ngit/proposal"
	"github.com/nostrgit/ngit/pushpipeline"
	"github.com/nostrgit/ngit/reporef"
	"github.com/nostrgit/ngit/repostate"
)

type fakeBackend struct {
	ref   *reporef.RepoRef
	state *repostate.RepoState
}

func (f *fakeBackend) Resolve(ctx context.Context, url *nostrurl.URL) (*reporef.RepoRef, error) {
	return f.ref, nil
}

func (f *fakeBackend) State(ctx context.Context, ref *reporef.RepoRef) (*repostate.RepoState, error) {
	return f.state, nil
}

func (f *fakeBackend) Proposals(ctx context.Context, ref *reporef.RepoRef) ([]*proposal.Proposal, error) {
	return nil, nil
}

func (f *fakeBackend) FetchOids(ctx context.Context, ref *reporef.RepoRef, oids []string) error {
	return nil
}

func (f *fakeBackend) Push(ctx context.Context, ref *reporef.RepoRef, state *repostate.RepoState, entries []pushpipeline.Entry) []pushpipeline.Entry {
	for i := range entries {
		entries[i].State = pushpipeline.StateReported
	}
	return entries
}

func TestCapabilities(t *testing.T) {
	var out, errOut bytes.Buffer
	d := New(&fakeBackend{}, &nostrurl.URL{}, strings.NewReader("capabilities\n"), &out, &errOut, nil)
	d.Run(context.Background())
	if out.String() != "fetch\npush\n\n" {
		t.Fatalf("capabilities output = %q", out.String())
	}
}

func TestListCloneFresh(t *testing.T) {
	ref := &reporef.RepoRef{Identifier: "ngit"}
	state := &repostate.RepoState{
		Refs: map[string]string{
			"HEAD":            "ref: refs/heads/main",
			"refs/heads/main": "deadbeef00000000000000000000000000000000",
		},
	}
	var out, errOut bytes.Buffer
	d := New(&fakeBackend{ref: ref, state: state}, &nostrurl.URL{}, strings.NewReader("list\n"), &out, &errOut, nil)
	d.Run(context.Background())

	got := out.String()
	if !strings.Contains(got, "deadbeef00000000000000000000000000000000 refs/heads/main\n") {
		t.Fatalf("list output missing ref line: %q", got)
	}
	if !strings.Contains(got, "@refs/heads/main HEAD\n") {
		t.Fatalf("list output missing HEAD symref: %q", got)
	}
	if !strings.HasSuffix(got, "\n\n") {
		t.Fatalf("list output not blank-line terminated: %q", got)
	}
}

func TestPushReportsOkPerEntry(t *testing.T) {
	ref := &reporef.RepoRef{Identifier: "ngit"}
	state := &repostate.RepoState{Refs: map[string]string{}}
	var out, errOut bytes.Buffer
	d := New(&fakeBackend{ref: ref, state: state}, &nostrurl.URL{}, strings.NewReader("push refs/heads/main:refs/heads/main\n"), &out, &errOut, nil)
	d.Run(context.Background())

	if !strings.Contains(out.String(), "ok refs/heads/main\n") {
		t.Fatalf("push output = %q", out.String())
	}
}
