package constants

import (
	"net"
	"path/filepath"
	"testing"
)

func TestCommandPrefixString(t *testing.T) {
	if CLIName.String() != "gobby" {
		t.Errorf("CLIName = %q, want gobby", CLIName.String())
	}
}

func TestProjectGobbyDir(t *testing.T) {
	got := ProjectGobbyDir("/work/repo")
	want := filepath.Join("/work/repo", GobbyDirName)
	if got != want {
		t.Errorf("ProjectGobbyDir = %q, want %q", got, want)
	}
}

func TestDefaultAddressesAreLoopback(t *testing.T) {
	for _, addr := range []string{DefaultHookAddr, DefaultMCPAddr} {
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			t.Fatalf("bad address %q: %v", addr, err)
		}
		if host != "127.0.0.1" {
			t.Errorf("address %q is not loopback", addr)
		}
	}
}
