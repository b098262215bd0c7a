package logs

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// DefaultLogDir returns the standard log directory for the current OS.
func DefaultLogDir() (string, error) {
	switch runtime.GOOS {
	case "windows":
		localAppData := os.Getenv("LOCALAPPDATA")
		if localAppData == "" {
			userProfile := os.Getenv("USERPROFILE")
			if userProfile == "" {
				return fallbackLogDir()
			}
			localAppData = filepath.Join(userProfile, "AppData", "Local")
		}
		return filepath.Join(localAppData, "mcpbridge", "logs"), nil
	case "darwin":
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return fallbackLogDir()
		}
		return filepath.Join(homeDir, "Library", "Logs", "mcpbridge"), nil
	case "linux":
		if os.Getuid() == 0 {
			return "/var/log/mcpbridge", nil
		}
		stateDir := os.Getenv("XDG_STATE_HOME")
		if stateDir == "" {
			homeDir, err := os.UserHomeDir()
			if err != nil {
				return fallbackLogDir()
			}
			stateDir = filepath.Join(homeDir, ".local", "state")
		}
		return filepath.Join(stateDir, "mcpbridge", "logs"), nil
	default:
		return fallbackLogDir()
	}
}

func fallbackLogDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "mcpbridge", "logs"), nil
	}
	return filepath.Join(homeDir, ".mcpbridge", "logs"), nil
}

// LogFilePath returns the full path for a log file, creating the directory
// if needed. An empty logDir selects the OS default.
func LogFilePath(logDir, filename string) (string, error) {
	if logDir == "" {
		dir, err := DefaultLogDir()
		if err != nil {
			return "", err
		}
		logDir = dir
	}
	if strings.HasPrefix(logDir, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		logDir = filepath.Join(homeDir, logDir[2:])
	}
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return "", err
	}
	return filepath.Join(logDir, filename), nil
}
