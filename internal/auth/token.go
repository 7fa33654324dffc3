// Package auth supplies the opaque bearer token the signaling transport
// presents at connect time. Token issuance itself belongs to the platform
// backend; this package only reads what the backend wrote.
package auth

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("auth")

// TokenSource yields the current bearer token. Implementations must be safe
// for concurrent use; the transport calls Token on every (re)connect.
type TokenSource interface {
	Token() (string, error)
}

// StaticToken is a fixed token, used in tests and one-shot tools.
type StaticToken string

func (s StaticToken) Token() (string, error) { return string(s), nil }

// FileTokenSource reads the token from a file and reloads it when the file
// changes. Platform tokens are short-lived; the backend rewrites the file on
// rotation and reconnects pick up the fresh value without a restart.
type FileTokenSource struct {
	path string

	mu    sync.RWMutex
	token string

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewFileTokenSource reads path immediately and starts watching it.
func NewFileTokenSource(path string) (*FileTokenSource, error) {
	f := &FileTokenSource{path: path, done: make(chan struct{})}
	if err := f.reload(); err != nil {
		return nil, err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("token watcher: %w", err)
	}
	// Watch the directory, not the file: editors and the backend agent
	// replace the file atomically (write + rename), which drops a watch
	// placed on the file itself.
	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		return nil, fmt.Errorf("token watcher: %w", err)
	}
	f.watcher = w
	go f.watchLoop()
	return f, nil
}

func (f *FileTokenSource) Token() (string, error) {
	f.mu.RLock()
	t := f.token
	f.mu.RUnlock()
	if t == "" {
		return "", fmt.Errorf("auth: empty token in %s", f.path)
	}
	return t, nil
}

func (f *FileTokenSource) reload() error {
	b, err := os.ReadFile(f.path)
	if err != nil {
		return fmt.Errorf("read token: %w", err)
	}
	f.mu.Lock()
	f.token = strings.TrimSpace(string(b))
	f.mu.Unlock()
	return nil
}

func (f *FileTokenSource) watchLoop() {
	base := filepath.Base(f.path)
	for {
		select {
		case <-f.done:
			return
		case evt, ok := <-f.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(evt.Name) != base {
				continue
			}
			if evt.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := f.reload(); err != nil {
				log.Warnf("token reload failed: %v", err)
				continue
			}
			log.Infof("bearer token reloaded from %s", f.path)
		case err, ok := <-f.watcher.Errors:
			if !ok {
				return
			}
			log.Warnf("token watcher: %v", err)
		}
	}
}

// Close stops the watcher. The last-read token stays valid.
func (f *FileTokenSource) Close() error {
	select {
	case <-f.done:
		return nil
	default:
		close(f.done)
	}
	if f.watcher != nil {
		return f.watcher.Close()
	}
	return nil
}
