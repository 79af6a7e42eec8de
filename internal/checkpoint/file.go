package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
)

// File stores one JSON document per conversation under a directory. A
// sidecar flock file guards each document so concurrent processes on the
// same host do not interleave writes.
type File struct {
	dir string
}

// NewFile creates the directory if needed and returns a file-backed store.
func NewFile(dir string) (*File, error) {
	if dir == "" {
		return nil, fmt.Errorf("checkpoint dir is required")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}
	return &File{dir: dir}, nil
}

func (f *File) path(conversationID string) string {
	// Conversation ids are caller supplied; keep them filesystem safe.
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_' || r == '.':
			return r
		default:
			return '_'
		}
	}, conversationID)
	return filepath.Join(f.dir, name+".json")
}

func (f *File) withLock(ctx context.Context, path string, fn func() error) error {
	lock := flock.New(path + ".lock")
	ok, err := lock.TryLockContext(ctx, 10*time.Millisecond)
	if err != nil {
		return fmt.Errorf("lock checkpoint: %w", err)
	}
	if !ok {
		return fmt.Errorf("lock checkpoint: not acquired")
	}
	defer lock.Unlock() //nolint:errcheck
	return fn()
}

func (f *File) Save(ctx context.Context, cp *Checkpoint) error {
	if cp.ConversationID == "" {
		return fmt.Errorf("save checkpoint: empty conversation id")
	}
	raw, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	path := f.path(cp.ConversationID)
	return f.withLock(ctx, path, func() error {
		tmp, err := os.CreateTemp(f.dir, ".checkpoint-*")
		if err != nil {
			return fmt.Errorf("write checkpoint: %w", err)
		}
		tmpName := tmp.Name()
		if _, err := tmp.Write(raw); err != nil {
			tmp.Close()
			os.Remove(tmpName)
			return fmt.Errorf("write checkpoint: %w", err)
		}
		if err := tmp.Close(); err != nil {
			os.Remove(tmpName)
			return fmt.Errorf("write checkpoint: %w", err)
		}
		if err := os.Rename(tmpName, path); err != nil {
			os.Remove(tmpName)
			return fmt.Errorf("write checkpoint: %w", err)
		}
		return nil
	})
}

func (f *File) Load(ctx context.Context, conversationID string) (*Checkpoint, error) {
	path := f.path(conversationID)
	var cp Checkpoint
	err := f.withLock(ctx, path, func() error {
		raw, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return ErrNotFound
			}
			return fmt.Errorf("read checkpoint: %w", err)
		}
		if err := json.Unmarshal(raw, &cp); err != nil {
			return fmt.Errorf("decode checkpoint: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &cp, nil
}

func (f *File) Delete(ctx context.Context, conversationID string) error {
	path := f.path(conversationID)
	return f.withLock(ctx, path, func() error {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("delete checkpoint: %w", err)
		}
		return nil
	})
}
