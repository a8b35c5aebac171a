package config

import (
	"os"
	"path/filepath"
	"strings"
)

// EnvUserDir overrides user directory discovery.
const EnvUserDir = "PLAPPERKASTEN_DIR"

// DiscoverUserDir finds the user directory by checking standard locations.
// Priority order: $PLAPPERKASTEN_DIR, ~/.config/plapperkasten, /etc/plapperkasten.
// It returns "" when none exists.
func DiscoverUserDir() string {
	if dir := os.Getenv(EnvUserDir); dir != "" {
		if _, err := os.Stat(dir); err == nil {
			return dir
		}
	}

	if homeDir, err := os.UserHomeDir(); err == nil {
		userDir := filepath.Join(homeDir, ".config", "plapperkasten")
		if _, err := os.Stat(userDir); err == nil {
			return userDir
		}
	}

	if _, err := os.Stat("/etc/plapperkasten"); err == nil {
		return "/etc/plapperkasten"
	}
	return ""
}

// ExpandPath replaces a leading ~ with the home directory.
func ExpandPath(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	if p == "~" {
		return home
	}
	return filepath.Join(home, p[2:])
}
