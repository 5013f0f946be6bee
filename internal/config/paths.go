package config

import (
	"os"
	"path/filepath"

	"github.com/hindsight-dev/hindsight/internal/fileutil"
)

// XDGConfig holds the XDG base directories used for default path resolution.
type XDGConfig struct {
	DataHome   string
	ConfigHome string
}

// Paths holds the resolved base directories before config overrides.
type Paths struct {
	ConfigDir string
	DataDir   string
	LogsDir   string
}

// ResolvePaths determines the base directories. Precedence: the home
// environment variable (HINDSIGHT_HOME), then an existing legacy dot
// directory (~/.hindsight), then XDG locations.
func ResolvePaths(envHome, legacyPath string, xdgCfg XDGConfig) Paths {
	if v := os.Getenv(envHome); v != "" {
		return setUnifiedPaths(fileutil.ResolvePathOrBlank(v))
	}
	if fileutil.IsDir(legacyPath) {
		return setUnifiedPaths(legacyPath)
	}
	return Paths{
		ConfigDir: filepath.Join(xdgCfg.ConfigHome, AppSlug),
		DataDir:   filepath.Join(xdgCfg.DataHome, AppSlug, "data"),
		LogsDir:   filepath.Join(xdgCfg.DataHome, AppSlug, "logs"),
	}
}

// setUnifiedPaths lays everything out under a single home directory.
func setUnifiedPaths(home string) Paths {
	return Paths{
		ConfigDir: home,
		DataDir:   filepath.Join(home, "data"),
		LogsDir:   filepath.Join(home, "logs"),
	}
}
