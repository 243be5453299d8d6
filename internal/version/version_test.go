package version

import "testing"

func TestShortCommit(t *testing.T) {
	t.Parallel()
	if got := shortCommit("0123456789abcdef"); got != "0123456789ab" {
		t.Fatalf("expected 12 characters, got %q", got)
	}
	if got := shortCommit("abc"); got != "abc" {
		t.Fatalf("expected short commits unchanged, got %q", got)
	}
}

func TestResolveLinkerValuesWin(t *testing.T) {
	Version, Commit, BuildTime = "v1.2.3", "deadbeef", "2026-01-02T03:04:05Z"
	t.Cleanup(func() { Version, Commit, BuildTime = "", "", "" })

	info := Resolve()
	if info.Version != "v1.2.3" || info.Commit != "deadbeef" || info.BuildTime != "2026-01-02T03:04:05Z" {
		t.Fatalf("expected linker values, got %+v", info)
	}
	if got := String(); got != "v1.2.3 (deadbeef)" {
		t.Fatalf("expected %q, got %q", "v1.2.3 (deadbeef)", got)
	}
}
