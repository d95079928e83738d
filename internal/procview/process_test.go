//go:build linux

package procview

import (
	"os"
	"testing"
)

func TestOpenSelf(t *testing.T) {
	p, err := Open(os.Getpid())
	if err != nil {
		t.Fatalf("Open(self): %v", err)
	}
	if len(p.Areas) == 0 {
		t.Error("expected at least one mapped area for the running test binary")
	}
	if len(p.Threads) == 0 {
		t.Error("expected at least one thread (the test binary itself)")
	}
}

func TestSameBasename(t *testing.T) {
	cases := []struct {
		a, b string
		want bool
	}{
		{"/usr/bin/foo", "/home/user/foo", true},
		{"/usr/bin/foo", "/usr/bin/bar", false},
		{"", "/usr/bin/foo", false},
		{"relative/foo", "foo", true},
	}
	for _, c := range cases {
		if got := sameBasename(c.a, c.b); got != c.want {
			t.Errorf("sameBasename(%q, %q) = %v, want %v", c.a, c.b, got, c.want)
		}
	}
}

func TestBase(t *testing.T) {
	cases := map[string]string{
		"/usr/bin/foo": "foo",
		"foo":          "foo",
		"a/b/c":        "c",
		"":             "",
	}
	for in, want := range cases {
		if got := base(in); got != want {
			t.Errorf("base(%q) = %q, want %q", in, got, want)
		}
	}
}
