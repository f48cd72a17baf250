// Package manifest handles farlink.toml peer configuration.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Transport kinds accepted in [link].
const (
	TransportTCP  = "tcp"
	TransportGRPC = "grpc"
)

// Manifest represents a farlink.toml peer configuration.
type Manifest struct {
	Peer   Peer         `toml:"peer"`
	Link   Link         `toml:"link"`
	Log    LogConfig    `toml:"log"`
	Encode EncodeConfig `toml:"encode"`

	// Dir is the directory containing the farlink.toml file (set at load time).
	Dir string `toml:"-"`
}

// Peer identifies this side of the link.
type Peer struct {
	Name  string `toml:"name"`
	World int32  `toml:"world"`
}

// Link configures the transport. Exactly one of Listen or Dial should be
// set; the peer that listens must be the peer the other dials.
type Link struct {
	Transport string `toml:"transport"`
	Listen    string `toml:"listen"`
	Dial      string `toml:"dial"`
}

// LogConfig configures log output.
type LogConfig struct {
	Verbosity int `toml:"verbosity"`
}

// EncodeConfig tunes the term encoder.
type EncodeConfig struct {
	DepthBudget int `toml:"depth-budget"`
}

// Load parses a farlink.toml file from the given directory.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, "farlink.toml")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	var m Manifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}

	m.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}

	// Defaults
	if m.Link.Transport == "" {
		m.Link.Transport = TransportTCP
	}
	if m.Encode.DepthBudget == 0 {
		m.Encode.DepthBudget = 32
	}

	return &m, m.validate()
}

// FindAndLoad walks up from startDir to find a farlink.toml file,
// then loads and returns the manifest. Returns nil if no manifest is found.
func FindAndLoad(startDir string) (*Manifest, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, "farlink.toml")
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			return nil, nil
		}
		dir = parent
	}
}

func (m *Manifest) validate() error {
	if m.Peer.World != 1 && m.Peer.World != 2 {
		return fmt.Errorf("peer.world must be 1 or 2, got %d", m.Peer.World)
	}
	switch m.Link.Transport {
	case TransportTCP, TransportGRPC:
	default:
		return fmt.Errorf("unknown link.transport %q", m.Link.Transport)
	}
	if (m.Link.Listen == "") == (m.Link.Dial == "") {
		return fmt.Errorf("exactly one of link.listen and link.dial must be set")
	}
	return nil
}

// Serving reports whether this peer listens for the link rather than
// dialing it.
func (m *Manifest) Serving() bool {
	return m.Link.Listen != ""
}

// Addr returns whichever of listen/dial is configured.
func (m *Manifest) Addr() string {
	if m.Serving() {
		return m.Link.Listen
	}
	return m.Link.Dial
}
