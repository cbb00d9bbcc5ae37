package gitserver

import (
	"reflect"
	"testing"
)

func TestAttemptOrderDefaults(t *testing.T) {
	d := New("/tmp/nonexistent.git", 0, "", "", nil)
	c, err := ParseCloneUrl("https://example.com/repo.git")
	if err != nil {
		t.Fatalf("ParseCloneUrl: %v", err)
	}

	fetchOrder := d.AttemptOrder(c, Fetch, Unspecified)
	if !reflect.DeepEqual(fetchOrder, []Protocol{UnauthHttps, Ssh, Https}) {
		t.Fatalf("fetch order = %v", fetchOrder)
	}

	pushOrder := d.AttemptOrder(c, Push, Unspecified)
	if !reflect.DeepEqual(pushOrder, []Protocol{Ssh, Https}) {
		t.Fatalf("push order = %v", pushOrder)
	}
}

func TestAttemptOrderExplicitProtocolOverrides(t *testing.T) {
	d := New("/tmp/nonexistent.git", 0, "", "", nil)
	c, err := ParseCloneUrl("ssh://git@example.com/repo.git")
	if err != nil {
		t.Fatalf("ParseCloneUrl: %v", err)
	}
	order := d.AttemptOrder(c, Fetch, Ssh)
	if !reflect.DeepEqual(order, []Protocol{Ssh}) {
		t.Fatalf("explicit order = %v", order)
	}
}

func TestAttemptOrderGraspNeverSSH(t *testing.T) {
	d := New("/tmp/nonexistent.git", 0, "", "", nil)
	c, err := ParseCloneUrl("https://relay.example.com/npub1abc/myrepo.git")
	if err != nil {
		t.Fatalf("ParseCloneUrl: %v", err)
	}
	for _, dir := range []Direction{Fetch, Push} {
		order := d.AttemptOrder(c, dir, Unspecified)
		for _, p := range order {
			if p == Ssh {
				t.Fatalf("grasp server attempt order %v for %v must never include ssh", order, dir)
			}
		}
	}
}
