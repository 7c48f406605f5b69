package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestParseClientFlagsDefaults(t *testing.T) {
	cfg, err := ParseClientFlags([]string{"-key", "secret", "10.0.0.1:9000"})
	if err != nil {
		t.Fatalf("ParseClientFlags: %v", err)
	}
	if cfg.ListenIP != "127.0.0.1" || cfg.ListenPort != 1080 {
		t.Fatalf("unexpected default listen address: %+v", cfg)
	}
	if cfg.TunnelIP != "10.0.0.1" || cfg.TunnelPort != 9000 {
		t.Fatalf("unexpected tunnel address: %+v", cfg)
	}
}

func TestParseClientFlagsRequiresKey(t *testing.T) {
	if _, err := ParseClientFlags([]string{"10.0.0.1:9000"}); err == nil {
		t.Fatal("expected an error when neither -key nor -key-file is given")
	}
}

func TestParseClientFlagsRequiresExactlyOnePositionalArg(t *testing.T) {
	if _, err := ParseClientFlags([]string{"-key", "secret"}); err == nil {
		t.Fatal("expected an error with no positional server address")
	}
	if _, err := ParseClientFlags([]string{"-key", "secret", "a:1", "b:2"}); err == nil {
		t.Fatal("expected an error with two positional arguments")
	}
}

func TestParseServerFlagsRequiresListen(t *testing.T) {
	if _, err := ParseServerFlags([]string{"-key", "secret"}); err == nil {
		t.Fatal("expected an error when -listen is missing")
	}
}

func TestLoadKeyPrefersKeyFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "key")
	if err := os.WriteFile(path, []byte("from-file\n"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	key, err := LoadKey("from-flag", path)
	if err != nil {
		t.Fatalf("LoadKey: %v", err)
	}
	if string(key) != "from-file" {
		t.Fatalf("expected key-file contents to win, got %q", key)
	}
}

func TestWatchKeyFileFiresOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "key")
	if err := os.WriteFile(path, []byte("v1"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	changes := make(chan []byte, 4)
	kw, err := WatchKeyFile(path, func(k []byte) { changes <- k }, nil)
	if err != nil {
		t.Fatalf("WatchKeyFile: %v", err)
	}
	t.Cleanup(func() { kw.Close() })

	if err := os.WriteFile(path, []byte("v2"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	select {
	case k := <-changes:
		if string(k) != "v2" {
			t.Fatalf("expected v2, got %q", k)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for key change notification")
	}
}
