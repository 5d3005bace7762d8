package lists

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spfbld/spfbld/internal/log"
)

func TestFileSourceLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "block.map")
	content := "# spammers\n192.0.2.5\n.dyn.isp.tld  # dynamic pools\nCIDR=198.51.100.0/24\n\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	l := NewList("block")
	src := NewFileSource(path, l, log.Logger{})
	if err := src.Load(); err != nil {
		t.Fatal(err)
	}

	if !l.Contains("192.0.2.5") {
		t.Error("exact entry not loaded")
	}
	if !l.Contains("host.dyn.isp.tld") {
		t.Error("suffix entry not loaded")
	}
	if !l.Contains("198.51.100.9") {
		t.Error("CIDR entry not loaded")
	}
	if l.Contains("# spammers") {
		t.Error("comment loaded as entry")
	}
}

func TestFileSourceReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "white.map")
	if err := os.WriteFile(path, []byte("old.example.com\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	l := NewList("white")
	src := NewFileSource(path, l, log.Logger{})
	if err := src.Load(); err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(path, []byte("new.example.com\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := src.Load(); err != nil {
		t.Fatal(err)
	}

	if l.Contains("old.example.com") {
		t.Error("stale entry survived reload")
	}
	if !l.Contains("new.example.com") {
		t.Error("new entry missing after reload")
	}
}

func TestFileSourceMissingFile(t *testing.T) {
	l := NewList("block")
	src := NewFileSource(filepath.Join(t.TempDir(), "nope.map"), l, log.Logger{})
	if err := src.Load(); err != nil {
		t.Errorf("missing file treated as error: %v", err)
	}
}
