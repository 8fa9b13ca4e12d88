package app

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/zeami/zwatch/internal/domain/status"
)

// Paths holds all resolved filesystem paths for the .zeami/ project directory.
type Paths struct {
	Root    string // .zeami/
	Config  string // .zeami/zwatch.yaml
	Journal string // .zeami/journal.db

	LogDir    string // .zeami/log/
	DaemonLog string // .zeami/log/daemon.log

	RunDir   string // .zeami/run/
	PIDFile  string // .zeami/run/zwatch.pid
	PortFile string // .zeami/run/http.port
	Status   string // .zeami/run/status.json
}

// NewPaths constructs all resolved paths from a project root directory.
func NewPaths(projectRoot string) *Paths {
	root := filepath.Join(projectRoot, ".zeami")
	return &Paths{
		Root:    root,
		Config:  filepath.Join(root, "zwatch.yaml"),
		Journal: filepath.Join(root, "journal.db"),

		LogDir:    filepath.Join(root, "log"),
		DaemonLog: filepath.Join(root, "log", "daemon.log"),

		RunDir:   filepath.Join(root, "run"),
		PIDFile:  filepath.Join(root, "run", "zwatch.pid"),
		PortFile: filepath.Join(root, "run", "http.port"),
		Status:   filepath.Join(root, "run", status.StatusFile),
	}
}

// EnsureDirs creates all subdirectories under .zeami/. Idempotent.
func (p *Paths) EnsureDirs() error {
	for _, d := range []string{p.Root, p.LogDir, p.RunDir} {
		if err := os.MkdirAll(d, 0755); err != nil {
			return err
		}
	}
	return nil
}

// WritePID records the current process id.
func (p *Paths) WritePID() error {
	return os.WriteFile(p.PIDFile, []byte(strconv.Itoa(os.Getpid())), 0644)
}

// ReadPID returns the recorded daemon process id.
func (p *Paths) ReadPID() (int, error) {
	return readInt(p.PIDFile)
}

// ReadPort returns the recorded HTTP port.
func (p *Paths) ReadPort() (int, error) {
	return readInt(p.PortFile)
}

func readInt(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return n, nil
}

// CleanEphemeral removes runtime files (PID file and port file). The status
// file stays so hooks can see how the last run ended.
// Called on clean daemon shutdown.
func (p *Paths) CleanEphemeral() {
	os.Remove(p.PIDFile)
	os.Remove(p.PortFile)
}
