package auth

import (
	"os"
	"runtime"
)

// Environ abstracts os.Getenv so detection can be tested.
type Environ func(key string) string

// DetectHeadless reports whether the process most likely has no way to show
// a browser: an SSH session, a CI runner, or a Linux/BSD host without a
// display server.
func DetectHeadless(getenv Environ) bool {
	if getenv == nil {
		getenv = os.Getenv
	}
	if getenv("SSH_CONNECTION") != "" || getenv("SSH_TTY") != "" {
		return true
	}
	if getenv("CI") != "" {
		return true
	}
	switch runtime.GOOS {
	case "darwin", "windows":
		return false
	default:
		return getenv("DISPLAY") == "" && getenv("WAYLAND_DISPLAY") == ""
	}
}
