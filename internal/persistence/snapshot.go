package persistence

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"crypto-bot-engine/internal/logger"
	"crypto-bot-engine/internal/models"
)

// Snapshot file layout: 4-byte magic "SBOT", 1-byte version, 4-byte
// CRC32 (IEEE) of the payload, 4-byte payload length, payload. Each
// key is one file pair under the state dir: <key>.cur and <key>.prev.
// A write rotates .cur to .prev before installing the new .cur, so a
// torn write can always fall back one generation.
const (
	snapshotVersion = 1
	headerSize      = 4 + 1 + 4 + 4

	curSuffix  = ".cur"
	prevSuffix = ".prev"
)

var snapshotMagic = [4]byte{'S', 'B', 'O', 'T'}

// Store is a file-per-key snapshot store with atomic, fsync'd writes.
type Store struct {
	mu  sync.Mutex
	dir string
}

// KnownKeys enumerates the snapshot keys for a bot.
func KnownKeys(botID string) []string {
	return []string{
		"bot/" + botID + "/config",
		"bot/" + botID + "/policy",
		"bot/" + botID + "/ledger",
		"bot/" + botID + "/protections",
	}
}

// SafetyKey is the snapshot key of the global safety state.
const SafetyKey = "safety/global"

func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("persistence: create state dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// path flattens a key like "bot/x/ledger" into one file name; keys
// never contain the separator characters themselves.
func (s *Store) path(key, suffix string) string {
	return filepath.Join(s.dir, strings.ReplaceAll(key, "/", "__")+suffix)
}

func encode(payload []byte) []byte {
	buf := make([]byte, headerSize+len(payload))
	copy(buf[0:4], snapshotMagic[:])
	buf[4] = snapshotVersion
	binary.BigEndian.PutUint32(buf[5:9], crc32.ChecksumIEEE(payload))
	binary.BigEndian.PutUint32(buf[9:13], uint32(len(payload)))
	copy(buf[headerSize:], payload)
	return buf
}

func decode(raw []byte) ([]byte, error) {
	if len(raw) < headerSize {
		return nil, models.NewError(models.KindInvariant, "SnapshotTruncated")
	}
	if [4]byte(raw[0:4]) != snapshotMagic {
		return nil, models.NewError(models.KindInvariant, "SnapshotBadMagic")
	}
	if raw[4] != snapshotVersion {
		return nil, models.NewError(models.KindInvariant,
			fmt.Sprintf("SnapshotVersion%d", raw[4]))
	}
	length := binary.BigEndian.Uint32(raw[9:13])
	if int(length) != len(raw)-headerSize {
		return nil, models.NewError(models.KindInvariant, "SnapshotTruncated")
	}
	payload := raw[headerSize:]
	if crc32.ChecksumIEEE(payload) != binary.BigEndian.Uint32(raw[5:9]) {
		return nil, models.NewError(models.KindInvariant, "SnapshotBadCRC")
	}
	return payload, nil
}

// Put atomically replaces the snapshot for key. The new generation is
// written to a temp file, fsync'd, then rotated in; the previous
// current generation survives as .prev.
func (s *Store) Put(key string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.path(key, curSuffix)
	prev := s.path(key, prevSuffix)
	tmp := cur + ".tmp"

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("persistence: open temp for %s: %w", key, err)
	}
	if _, err := f.Write(encode(payload)); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("persistence: write %s: %w", key, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("persistence: fsync %s: %w", key, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("persistence: close %s: %w", key, err)
	}

	// Rotate: current becomes previous, temp becomes current.
	if _, err := os.Stat(cur); err == nil {
		if err := os.Rename(cur, prev); err != nil {
			return fmt.Errorf("persistence: rotate %s: %w", key, err)
		}
	}
	if err := os.Rename(tmp, cur); err != nil {
		return fmt.Errorf("persistence: install %s: %w", key, err)
	}
	return nil
}

// Get returns the newest consistent generation for key. A corrupt
// current generation falls back to the previous one; both generations
// corrupt is Fatal, and a missing key is NotFound.
func (s *Store) Get(key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.path(key, curSuffix)
	prev := s.path(key, prevSuffix)

	raw, curErr := os.ReadFile(cur)
	if curErr == nil {
		payload, err := decode(raw)
		if err == nil {
			return payload, nil
		}
		logger.S().Warnw("snapshot corrupt, trying previous generation",
			"key", key, "error", err)
		curErr = err
	} else if os.IsNotExist(curErr) {
		curErr = nil // plain missing key, not corruption
	}

	raw, prevErr := os.ReadFile(prev)
	if prevErr == nil {
		payload, err := decode(raw)
		if err == nil {
			return payload, nil
		}
		prevErr = err
	}

	if curErr == nil && os.IsNotExist(prevErr) {
		return nil, models.NewError(models.KindNotFound, "SnapshotMissing")
	}
	return nil, models.WrapError(models.KindFatal, "SnapshotUnrecoverable",
		fmt.Errorf("key %s: current: %v, previous: %v", key, curErr, prevErr))
}

// Delete removes both generations for key.
func (s *Store) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range []string{s.path(key, curSuffix), s.path(key, prevSuffix)} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("persistence: delete %s: %w", key, err)
		}
	}
	return nil
}
