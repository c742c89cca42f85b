package config

import (
	"os"
	"path/filepath"
)

// Paths contains the on-disk layout of a goclaw home directory.
type Paths struct {
	Home       string // Root directory (~/.goclaw by default)
	ConfigFile string // YAML configuration file
	IdentityDB string // SQLite credential store
	HooksDir   string // Script hook directory
	Logs       string // Log directory (audit log lives here)
}

// GetHome returns the goclaw home directory. GOCLAW_HOME overrides the
// default of ~/.goclaw.
func GetHome() string {
	if home := os.Getenv("GOCLAW_HOME"); home != "" {
		return home
	}
	userHome, err := os.UserHomeDir()
	if err != nil {
		return ".goclaw"
	}
	return filepath.Join(userHome, ".goclaw")
}

// GetPaths returns the standard path layout rooted at GetHome().
func GetPaths() Paths {
	home := GetHome()
	return Paths{
		Home:       home,
		ConfigFile: filepath.Join(home, "config.yaml"),
		IdentityDB: filepath.Join(home, "identity.db"),
		HooksDir:   filepath.Join(home, "hooks"),
		Logs:       filepath.Join(home, "logs"),
	}
}

// EnsureDirs creates the home directory layout if missing and returns it.
func EnsureDirs() (Paths, error) {
	paths := GetPaths()
	for _, dir := range []string{paths.Home, paths.HooksDir, paths.Logs} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return Paths{}, err
		}
	}
	return paths, nil
}
