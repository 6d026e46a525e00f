// ABOUTME: File-backed Store with a durable file and a session-scoped file
// ABOUTME: Writes are atomic (temp file + rename); reads re-load so processes share state

package tokenstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

const appDirName = "widget-console"

// DefaultPaths returns the durable and session-scoped session file locations:
// $XDG_CONFIG_HOME/widget-console/session.json and
// $XDG_RUNTIME_DIR/widget-console/session.json (falling back to the temp dir).
func DefaultPaths() (durable, session string, err error) {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", "", fmt.Errorf("resolving home directory: %w", err)
		}
		configDir = filepath.Join(home, ".config")
	}

	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir == "" {
		runtimeDir = filepath.Join(os.TempDir(), appDirName+"-"+strconv.Itoa(os.Getuid()))
	} else {
		runtimeDir = filepath.Join(runtimeDir, appDirName)
	}

	return filepath.Join(configDir, appDirName, "session.json"),
		filepath.Join(runtimeDir, "session.json"), nil
}

// File stores session state as JSON. Persisted state goes to durablePath,
// session-scoped state to sessionPath; only one of the two exists at a time.
type File struct {
	mu          sync.Mutex
	durablePath string
	sessionPath string
	now         func() time.Time
	logger      *slog.Logger
}

// OpenFile creates a file store. Missing files are fine; parent directories
// are created on first write.
func OpenFile(durablePath, sessionPath string, logger *slog.Logger) (*File, error) {
	if durablePath == "" || sessionPath == "" {
		return nil, errors.New("tokenstore: both durable and session paths are required")
	}
	if durablePath == sessionPath {
		return nil, errors.New("tokenstore: durable and session paths must differ")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &File{
		durablePath: durablePath,
		sessionPath: sessionPath,
		now:         time.Now,
		logger:      logger.With("component", "tokenstore", "backend", "file"),
	}, nil
}

// loadLocked returns the newest readable record. Unreadable files read as empty.
func (f *File) loadLocked() state {
	var newest state
	for _, path := range []string{f.durablePath, f.sessionPath} {
		data, err := os.ReadFile(path)
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				f.logger.Warn("reading session file", "path", path, "error", err)
			}
			continue
		}
		var st state
		if err := json.Unmarshal(data, &st); err != nil {
			f.logger.Warn("decoding session file", "path", path, "error", err)
			continue
		}
		if st.UpdatedAt.After(newest.UpdatedAt) || newest.UpdatedAt.IsZero() {
			newest = st
		}
	}
	return newest
}

func (f *File) saveLocked(st state) error {
	if st.empty() {
		return f.removeAllLocked()
	}

	st.UpdatedAt = f.now()
	target, other := f.sessionPath, f.durablePath
	if st.Persistent {
		target, other = f.durablePath, f.sessionPath
	}

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding session state: %w", err)
	}
	if err := writeFileAtomic(target, data); err != nil {
		return err
	}
	if err := os.Remove(other); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing stale session file: %w", err)
	}
	return nil
}

func (f *File) removeAllLocked() error {
	var errs []error
	for _, path := range []string{f.sessionPath, f.durablePath} {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, fmt.Errorf("removing %s: %w", path, err))
		}
	}
	return errors.Join(errs...)
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating session directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".session-*.json")
	if err != nil {
		return fmt.Errorf("creating temp session file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing session file: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("securing session file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing session file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replacing session file: %w", err)
	}
	return nil
}

// update loads, mutates and saves under the lock.
func (f *File) update(mutate func(*state)) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	st := f.loadLocked()
	mutate(&st)
	return f.saveLocked(st)
}

func (f *File) read() state {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loadLocked()
}

func (f *File) SetToken(token string, persist bool) error {
	return f.update(func(st *state) {
		st.Token = token
		st.Persistent = persist
	})
}

func (f *File) Token() (string, bool) {
	st := f.read()
	return st.Token, st.Token != ""
}

func (f *File) Persistent() bool {
	st := f.read()
	return st.Token != "" && st.Persistent
}

func (f *File) SetCSRFToken(token string) error {
	return f.update(func(st *state) {
		st.CSRFToken = token
	})
}

func (f *File) CSRFToken() string {
	return f.read().CSRFToken
}

func (f *File) SetActiveSession() error {
	return f.update(func(st *state) {
		st.Active = true
		st.ActiveAt = f.now()
	})
}

func (f *File) TouchSession() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	st := f.loadLocked()
	if !st.Active {
		return nil
	}
	st.ActiveAt = f.now()
	return f.saveLocked(st)
}

func (f *File) HasActiveSession() bool {
	return f.read().Active
}

func (f *File) ActiveSince() time.Time {
	st := f.read()
	if !st.Active {
		return time.Time{}
	}
	return st.ActiveAt
}

func (f *File) ClearSession() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.removeAllLocked()
}

func (f *File) Close() error { return nil }
