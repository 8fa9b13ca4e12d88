package cmd

import "os"

// isStdoutTTY returns true if stdout is connected to a terminal.
func isStdoutTTY() bool {
	fi, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}

// resolveColor determines whether to use color output based on flags, the
// NO_COLOR convention and TTY status.
// colorFlag is the --color value: "auto", "always", or "never".
func resolveColor(colorFlag string, noColorFlag bool) bool {
	if noColorFlag {
		return false
	}
	switch colorFlag {
	case "always":
		return true
	case "never":
		return false
	default: // "auto"
		if _, set := os.LookupEnv("NO_COLOR"); set {
			return false
		}
		return isStdoutTTY()
	}
}
