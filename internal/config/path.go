package config

import (
	"os"
	"path/filepath"
)

// DefaultDataDir returns the default data directory based on the host OS.
// It prefers standard locations when available and falls back to a dotdir
// in the user's home directory.
func DefaultDataDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil || homeDir == "" {
		return "./data"
	}

	// XDG (Linux) override
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "chatrelay")
	}

	// Common Linux/Unix system dir
	if isDir("/var/lib") {
		return "/var/lib/chatrelay"
	}

	// macOS: ~/Library/Application Support/Chatrelay
	if isDir(filepath.Join(homeDir, "Library")) {
		return filepath.Join(homeDir, "Library", "Application Support", "Chatrelay")
	}

	// Windows: %USERPROFILE%/AppData/Local/Chatrelay
	if isDir(filepath.Join(homeDir, "AppData")) {
		return filepath.Join(homeDir, "AppData", "Local", "Chatrelay")
	}

	// Fallback: ~/.chatrelay
	return filepath.Join(homeDir, ".chatrelay")
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.IsDir()
}
