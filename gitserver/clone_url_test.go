package gitserver

import "testing"

func TestFormatAs(t *testing.T) {
	cases := []struct {
		name   string
		in     string
		target Protocol
		want   string
	}{
		{"https to ssh", "https://github.com/user/repo.git", Ssh, "git@github.com:user/repo.git"},
		{"ssh shorthand to https", "git@github.com:user/repo.git", Https, "https://github.com/user/repo.git"},
		{"https to unauth-https keeps form", "https://github.com/user/repo.git", UnauthHttps, "https://github.com/user/repo.git"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			u, err := ParseCloneUrl(c.in)
			if err != nil {
				t.Fatalf("ParseCloneUrl(%q): %v", c.in, err)
			}
			got, err := u.FormatAs(c.target, "")
			if err != nil {
				t.Fatalf("FormatAs: %v", err)
			}
			if got != c.want {
				t.Fatalf("FormatAs(%q, %v) = %q, want %q", c.in, c.target, got, c.want)
			}
		})
	}
}

func TestIsGraspForm(t *testing.T) {
	u, err := ParseCloneUrl("https://relay.example.com/npub1abc/myrepo.git")
	if err != nil {
		t.Fatalf("ParseCloneUrl: %v", err)
	}
	if !u.IsGraspForm() {
		t.Fatalf("expected grasp form for %q", u.Original)
	}
}
