package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/zeami/zwatch/internal/adapters/bbolt"
	"github.com/zeami/zwatch/internal/adapters/socket"
)

// isJournalLockError returns true if the journal could not be opened because
// another process holds its file lock.
func isJournalLockError(err error) bool {
	return errors.Is(err, bbolt.ErrLocked)
}

// diagnoseJournalLock checks the daemon state and returns actionable guidance
// when the journal is locked. It distinguishes three scenarios: daemon
// running, stale socket, and unknown lock holder.
func diagnoseJournalLock(root string) string {
	sockPath := socket.SocketPath(root)
	client := socket.NewClient(sockPath)

	if client.Ping() {
		return "journal is locked by the running daemon\n" +
			"  → query it instead:  zwatch journal (without --runs)\n" +
			"  → or stop it:        zwatch daemon stop"
	}

	if _, err := os.Stat(sockPath); err == nil {
		return fmt.Sprintf("journal is locked: daemon socket exists but is not responding\n"+
			"  → a previous daemon may have crashed\n"+
			"  → find the process:  ps aux | grep 'zwatch daemon'\n"+
			"  → kill it:           kill <PID>\n"+
			"  → clean up socket:   rm %s", sockPath)
	}

	return "journal is locked by another process\n" +
		"  → find the process:  ps aux | grep 'zwatch'\n" +
		"  → kill it:           kill <PID>\n" +
		"  → then retry your command"
}
