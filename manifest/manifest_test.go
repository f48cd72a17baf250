package manifest

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadManifest(t *testing.T) {
	// Create a temporary directory with a farlink.toml
	dir := t.TempDir()
	tomlContent := `
[peer]
name = "alpha"
world = 1

[link]
transport = "grpc"
listen = "127.0.0.1:7410"

[log]
verbosity = 2

[encode]
depth-budget = 16
`
	if err := os.WriteFile(filepath.Join(dir, "farlink.toml"), []byte(tomlContent), 0644); err != nil {
		t.Fatal(err)
	}

	m, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if m.Peer.Name != "alpha" {
		t.Errorf("peer name = %q, want alpha", m.Peer.Name)
	}
	if m.Peer.World != 1 {
		t.Errorf("peer world = %d, want 1", m.Peer.World)
	}
	if m.Link.Transport != TransportGRPC {
		t.Errorf("link transport = %q, want grpc", m.Link.Transport)
	}
	if !m.Serving() {
		t.Error("Serving() = false, want true for a listen config")
	}
	if m.Addr() != "127.0.0.1:7410" {
		t.Errorf("Addr() = %q, want 127.0.0.1:7410", m.Addr())
	}
	if m.Log.Verbosity != 2 {
		t.Errorf("log verbosity = %d, want 2", m.Log.Verbosity)
	}
	if m.Encode.DepthBudget != 16 {
		t.Errorf("depth budget = %d, want 16", m.Encode.DepthBudget)
	}
}

func TestLoadManifestDefaults(t *testing.T) {
	dir := t.TempDir()
	tomlContent := `
[peer]
name = "beta"
world = 2

[link]
dial = "127.0.0.1:7410"
`
	if err := os.WriteFile(filepath.Join(dir, "farlink.toml"), []byte(tomlContent), 0644); err != nil {
		t.Fatal(err)
	}

	m, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if m.Link.Transport != TransportTCP {
		t.Errorf("default transport = %q, want tcp", m.Link.Transport)
	}
	if m.Encode.DepthBudget != 32 {
		t.Errorf("default depth budget = %d, want 32", m.Encode.DepthBudget)
	}
	if m.Serving() {
		t.Error("Serving() = true, want false for a dial config")
	}
}

func TestLoadManifestRejectsBadWorld(t *testing.T) {
	dir := t.TempDir()
	tomlContent := `
[peer]
name = "gamma"
world = 3

[link]
dial = "127.0.0.1:7410"
`
	if err := os.WriteFile(filepath.Join(dir, "farlink.toml"), []byte(tomlContent), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(dir); err == nil {
		t.Fatal("expected error for world = 3")
	}
}

func TestLoadManifestRejectsListenAndDial(t *testing.T) {
	dir := t.TempDir()
	tomlContent := `
[peer]
name = "delta"
world = 1

[link]
listen = "127.0.0.1:7410"
dial = "127.0.0.1:7411"
`
	if err := os.WriteFile(filepath.Join(dir, "farlink.toml"), []byte(tomlContent), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(dir); err == nil {
		t.Fatal("expected error when both listen and dial are set")
	}
}

func TestFindAndLoad(t *testing.T) {
	// Create nested directory structure
	dir := t.TempDir()
	subDir := filepath.Join(dir, "a", "b", "c")
	if err := os.MkdirAll(subDir, 0755); err != nil {
		t.Fatal(err)
	}

	tomlContent := `[peer]
name = "found-peer"
world = 2

[link]
dial = "127.0.0.1:7410"
`
	if err := os.WriteFile(filepath.Join(dir, "farlink.toml"), []byte(tomlContent), 0644); err != nil {
		t.Fatal(err)
	}

	// Should find manifest when starting from a deep subdirectory
	m, err := FindAndLoad(subDir)
	if err != nil {
		t.Fatalf("FindAndLoad failed: %v", err)
	}
	if m == nil {
		t.Fatal("FindAndLoad returned nil")
	}
	if m.Peer.Name != "found-peer" {
		t.Errorf("peer name = %q, want found-peer", m.Peer.Name)
	}
}

func TestFindAndLoadNotFound(t *testing.T) {
	dir := t.TempDir()
	m, err := FindAndLoad(dir)
	if err != nil {
		t.Fatalf("FindAndLoad error: %v", err)
	}
	if m != nil {
		t.Error("expected nil manifest when no farlink.toml exists")
	}
}
