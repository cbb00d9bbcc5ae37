package nostrurl

import "testing"

func TestParse(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want *URL
	}{
		{
			name: "alias and identifier only",
			in:   "nostr://dan@gitworkshop.dev/ngit",
			want: &URL{Alias: "dan@gitworkshop.dev", Identifier: "ngit"},
		},
		{
			name: "explicit protocol",
			in:   "nostr://https/npub1abc/ngit",
			want: &URL{Protocol: ProtoHTTPS, Alias: "npub1abc", Identifier: "ngit"},
		},
		{
			name: "relay hint",
			in:   "nostr://npub1abc/relay.example.com/ngit",
			want: &URL{Alias: "npub1abc", RelayHint: "relay.example.com", Identifier: "ngit"},
		},
		{
			name: "ssh key file selector",
			in:   "nostr://nym1@ssh/npub1abc/ngit",
			want: &URL{SSHKeyFile: "nym1", Protocol: ProtoSSH, Alias: "npub1abc", Identifier: "ngit"},
		},
		{
			name: "percent-decoded identifier",
			in:   "nostr://npub1abc/my%2Frepo",
			want: &URL{Alias: "npub1abc", Identifier: "my/repo"},
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, err := Parse(c.in)
			if err != nil {
				t.Fatalf("Parse(%q) error: %v", c.in, err)
			}
			if got.Alias != c.want.Alias || got.Identifier != c.want.Identifier ||
				got.RelayHint != c.want.RelayHint || got.Protocol != c.want.Protocol ||
				got.SSHKeyFile != c.want.SSHKeyFile {
				t.Fatalf("Parse(%q) = %+v, want %+v", c.in, got, c.want)
			}
		})
	}
}

func TestParseErrors(t *testing.T) {
	cases := []string{
		"http://example.com/ngit",
		"nostr://",
		"nostr://npub1abc",
		"nostr://npub1abc/",
	}
	for _, in := range cases {
		if _, err := Parse(in); err == nil {
			t.Errorf("Parse(%q) expected error, got nil", in)
		}
	}
}

func TestRoundTripIdempotent(t *testing.T) {
	in := "nostr://npub1abc/relay.example.com/my%2Frepo"
	u, err := Parse(in)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	again, err := Parse(u.String())
	if err != nil {
		t.Fatalf("re-Parse: %v", err)
	}
	if again.String() != u.String() {
		t.Fatalf("round trip not idempotent: %q != %q", again.String(), u.String())
	}
}
