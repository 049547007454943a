// Package killswitch provides operational flags that gate the import
// pipeline: a global maintenance switch that idles all workers, and
// per-source read-only switches that pause individual integrations.
//
// Flags live in a TOML file that is hot-reloaded on change, so an operator
// can flip a switch on a running system without a restart.
package killswitch

import (
	"os"
	"sync"

	"github.com/BurntSushi/toml"

	"github.com/recollect/recollect/errors"
	"github.com/recollect/recollect/imports"
)

// Flags is what the pipeline consults.
type Flags interface {
	// Maintenance reports whether the whole system is in maintenance mode.
	// Workers stop picking up tasks while it holds.
	Maintenance() bool

	// ReadOnly reports whether new imports for the source are paused.
	ReadOnly(source imports.Source) bool
}

// Static is a fixed set of flags, for tests and for running without a
// killswitch file.
type Static struct {
	MaintenanceMode bool
	ReadOnlySources map[imports.Source]bool
}

func (s Static) Maintenance() bool { return s.MaintenanceMode }

func (s Static) ReadOnly(source imports.Source) bool { return s.ReadOnlySources[source] }

// fileState mirrors the TOML layout:
//
//	maintenance = false
//
//	[readonly]
//	twitter = true
type fileState struct {
	Maintenance bool            `toml:"maintenance"`
	ReadOnly    map[string]bool `toml:"readonly"`
}

// FileFlags reads flags from a TOML file. Reload swaps the whole state
// atomically; a malformed file keeps the previous state in effect.
type FileFlags struct {
	path string

	mu    sync.RWMutex
	state fileState
}

// NewFileFlags loads flags from the given path. The file must exist and
// parse; an absent killswitch file is a deployment error, not "all off".
func NewFileFlags(path string) (*FileFlags, error) {
	f := &FileFlags{path: path}
	if err := f.Reload(); err != nil {
		return nil, err
	}
	return f, nil
}

// Reload re-reads the file and swaps the state in. On error the previous
// state stays in effect.
func (f *FileFlags) Reload() error {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return errors.Wrapf(err, "read killswitch file %s", f.path)
	}

	var state fileState
	if err := toml.Unmarshal(data, &state); err != nil {
		return errors.Wrapf(err, "parse killswitch file %s", f.path)
	}

	f.mu.Lock()
	f.state = state
	f.mu.Unlock()
	return nil
}

func (f *FileFlags) Maintenance() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.state.Maintenance
}

func (f *FileFlags) ReadOnly(source imports.Source) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.state.ReadOnly[string(source)]
}
