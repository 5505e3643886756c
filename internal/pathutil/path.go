package pathutil

import (
	"os"
	"path/filepath"
	"strings"
)

// ExpandUserAndEnv expands $VAR tokens and a leading "~/" in p. The result is
// not made absolute.
func ExpandUserAndEnv(p string) (string, error) {
	p = strings.TrimSpace(p)
	if p == "" {
		return "", nil
	}
	p = os.ExpandEnv(p)
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	return p, nil
}

// DataHome returns $XDG_DATA_HOME, falling back to ~/.local/share.
func DataHome() (string, error) {
	if dir := strings.TrimSpace(os.Getenv("XDG_DATA_HOME")); dir != "" && filepath.IsAbs(dir) {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".local", "share"), nil
}

// RuntimeDir returns $XDG_RUNTIME_DIR, falling back to the system temp
// directory.
func RuntimeDir() string {
	if dir := strings.TrimSpace(os.Getenv("XDG_RUNTIME_DIR")); dir != "" && filepath.IsAbs(dir) {
		return dir
	}
	return os.TempDir()
}
