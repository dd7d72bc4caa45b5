package memory

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/meridian-labs/contactd/internal/tracing"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Turn represents a single conversation turn on a thread
type Turn struct {
	Role      string                 `json:"role"`
	Content   string                 `json:"content"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// checkpointEntry is the on-disk line format
type checkpointEntry struct {
	ThreadID string `json:"threadId"`
	Turn     Turn   `json:"turn"`
}

// Store persists conversation checkpoints as one JSONL file per thread.
// It is shared by every agent session and deliberately survives session
// rebuilds: a reconstructed session picks up the thread's history exactly
// where the failed one left it.
type Store struct {
	dir        string
	writeLocks map[string]*sync.Mutex
	locksMu    sync.RWMutex
}

// NewStore creates a checkpoint store rooted at dir.
func NewStore(dir string) (*Store, error) {
	if dir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		dir = filepath.Join(homeDir, ".contactd", "memory")
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create memory directory: %w", err)
	}

	s := &Store{
		dir:        dir,
		writeLocks: make(map[string]*sync.Mutex),
	}

	log.Info().Str("dir", dir).Msg("Memory store initialized")
	return s, nil
}

// validateThreadID rejects IDs that could escape the store directory.
func (s *Store) validateThreadID(threadID string) error {
	if threadID == "" {
		return fmt.Errorf("thread id cannot be empty")
	}
	if strings.Contains(threadID, "..") {
		return fmt.Errorf("thread id cannot contain '..'")
	}
	if strings.ContainsAny(threadID, "/\\") {
		return fmt.Errorf("thread id cannot contain path separators")
	}
	if strings.Contains(threadID, "\x00") {
		return fmt.Errorf("thread id cannot contain null bytes")
	}
	return nil
}

func (s *Store) threadPath(threadID string) string {
	return filepath.Join(s.dir, threadID+".jsonl")
}

func (s *Store) writeLock(threadID string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	if lock, exists := s.writeLocks[threadID]; exists {
		return lock
	}
	lock := &sync.Mutex{}
	s.writeLocks[threadID] = lock
	return lock
}

// Append adds one turn to a thread's checkpoint, creating the file on first
// use. Writes are fsynced so a crash cannot lose an acknowledged turn.
func (s *Store) Append(ctx context.Context, threadID string, turn Turn) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = tracing.WithThreadID(ctx, threadID)
	ctx, span := tracing.StartSpan(
		ctx,
		"contactd.memory",
		"memory.append",
		attribute.String("thread_id", threadID),
		attribute.String("role", turn.Role),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, log.Logger)

	if err := s.validateThreadID(threadID); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if turn.Role == "" {
		return fmt.Errorf("turn role cannot be empty")
	}
	if turn.Content == "" {
		return fmt.Errorf("turn content cannot be empty")
	}
	if turn.Timestamp.IsZero() {
		turn.Timestamp = time.Now()
	}

	lock := s.writeLock(threadID)
	lock.Lock()
	defer lock.Unlock()

	file, err := os.OpenFile(s.threadPath(threadID), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to open checkpoint file: %w", err)
	}
	defer file.Close()

	data, err := json.Marshal(checkpointEntry{ThreadID: threadID, Turn: turn})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to marshal turn: %w", err)
	}

	if _, err := file.Write(append(data, '\n')); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to write turn: %w", err)
	}
	if err := file.Sync(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to sync checkpoint file: %w", err)
	}

	logger.Debug().
		Str("thread_id", threadID).
		Str("role", turn.Role).
		Msg("Turn checkpointed")
	return nil
}

// History returns every turn recorded for a thread, oldest first. A missing
// file is an empty history, not an error. Corrupted lines are skipped.
func (s *Store) History(ctx context.Context, threadID string) ([]Turn, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = tracing.WithThreadID(ctx, threadID)
	ctx, span := tracing.StartSpan(
		ctx,
		"contactd.memory",
		"memory.history",
		attribute.String("thread_id", threadID),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, log.Logger)

	if err := s.validateThreadID(threadID); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	file, err := os.Open(s.threadPath(threadID))
	if err != nil {
		if os.IsNotExist(err) {
			return []Turn{}, nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to open checkpoint file: %w", err)
	}
	defer file.Close()

	var turns []Turn
	scanner := bufio.NewScanner(file)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Text()
		if line == "" {
			continue
		}

		var entry checkpointEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			logger.Warn().
				Str("thread_id", threadID).
				Int("line", lineNum).
				Err(err).
				Msg("Failed to parse checkpoint line, skipping")
			continue
		}
		if entry.Turn.Role == "" || entry.Turn.Content == "" {
			logger.Warn().
				Str("thread_id", threadID).
				Int("line", lineNum).
				Msg("Invalid checkpoint entry, skipping")
			continue
		}
		turns = append(turns, entry.Turn)
	}
	if err := scanner.Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to read checkpoint file: %w", err)
	}

	return turns, nil
}

// Clear removes a thread's checkpoint file. Clearing a thread that was
// never written is a no-op.
func (s *Store) Clear(ctx context.Context, threadID string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = tracing.WithThreadID(ctx, threadID)
	ctx, span := tracing.StartSpan(
		ctx,
		"contactd.memory",
		"memory.clear",
		attribute.String("thread_id", threadID),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, log.Logger)

	if err := s.validateThreadID(threadID); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	lock := s.writeLock(threadID)
	lock.Lock()
	defer lock.Unlock()

	// The mutex entry stays in the map: a concurrent Append may already
	// hold a reference to it, and dropping the entry would hand the next
	// caller a second, independent lock for the same thread.
	if err := os.Remove(s.threadPath(threadID)); err != nil && !os.IsNotExist(err) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to remove checkpoint file: %w", err)
	}

	logger.Info().Str("thread_id", threadID).Msg("Thread memory cleared")
	return nil
}

// Compact rewrites a thread's checkpoint, dropping lines that failed to
// parse. Replacement is atomic via rename.
func (s *Store) Compact(ctx context.Context, threadID string) error {
	turns, err := s.History(ctx, threadID)
	if err != nil {
		return err
	}

	lock := s.writeLock(threadID)
	lock.Lock()
	defer lock.Unlock()

	path := s.threadPath(threadID)
	tempPath := path + ".tmp"

	file, err := os.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}

	for _, turn := range turns {
		data, err := json.Marshal(checkpointEntry{ThreadID: threadID, Turn: turn})
		if err != nil {
			file.Close()
			os.Remove(tempPath)
			return fmt.Errorf("failed to marshal turn: %w", err)
		}
		if _, err := file.Write(append(data, '\n')); err != nil {
			file.Close()
			os.Remove(tempPath)
			return fmt.Errorf("failed to write turn: %w", err)
		}
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	file.Close()

	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to replace checkpoint file: %w", err)
	}

	log.Info().
		Str("thread_id", threadID).
		Int("turns", len(turns)).
		Msg("Checkpoint compacted")
	return nil
}

// Threads lists every thread with a checkpoint on disk.
func (s *Store) Threads() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to read memory directory: %w", err)
	}

	var threads []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".jsonl") {
			continue
		}
		threads = append(threads, strings.TrimSuffix(name, ".jsonl"))
	}
	return threads, nil
}

// Close releases per-thread locks. The store itself holds no open files
// between calls.
func (s *Store) Close() error {
	s.locksMu.Lock()
	s.writeLocks = make(map[string]*sync.Mutex)
	s.locksMu.Unlock()

	log.Info().Msg("Memory store closed")
	return nil
}
