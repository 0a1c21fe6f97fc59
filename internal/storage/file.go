package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	logx "github.com/samirtelegrambot/Channel-Poster-Bot/pkg/logx"
)

// fileStore is the dependency-free persistence backend.
//
// Files (under <prefix>):
//   - <prefix>.admins.json        (full admin id set)
//   - <prefix>.channels.json      (map owner id -> ordered channel list)
//   - <prefix>.audit.jsonl        (append-only JSON Lines)
//
// Snapshot files are replaced atomically (tmp + rename) so a crash mid-write
// never leaves a torn table on disk.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	adminsPath   string
	channelsPath string
	auditPath    string

	auditFile *os.File
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(filepath.Base(path)))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	auditPath := prefix + ".audit.jsonl"
	af, err := os.OpenFile(auditPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	return &fileStore{
		log:          log,
		adminsPath:   prefix + ".admins.json",
		channelsPath: prefix + ".channels.json",
		auditPath:    auditPath,
		auditFile:    af,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile != nil {
		err := s.auditFile.Close()
		s.auditFile = nil
		return err
	}
	return nil
}

func (s *fileStore) LoadAdmins(ctx context.Context) ([]int64, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []int64
	if err := readJSON(s.adminsPath, &ids); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return ids, nil
}

func (s *fileStore) SaveAdmins(ctx context.Context, ids []int64) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if ids == nil {
		ids = []int64{}
	}
	return writeJSONAtomic(s.adminsPath, ids)
}

func (s *fileStore) LoadChannels(ctx context.Context, owner int64) ([]Channel, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.readChannelTableLocked()
	if err != nil {
		return nil, err
	}
	return all[strconv.FormatInt(owner, 10)], nil
}

func (s *fileStore) SaveChannels(ctx context.Context, owner int64, chs []Channel) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.readChannelTableLocked()
	if err != nil {
		return err
	}
	key := strconv.FormatInt(owner, 10)
	if len(chs) == 0 {
		delete(all, key)
	} else {
		all[key] = chs
	}
	return writeJSONAtomic(s.channelsPath, all)
}

func (s *fileStore) readChannelTableLocked() (map[string][]Channel, error) {
	all := map[string][]Channel{}
	if err := readJSON(s.channelsPath, &all); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return all, nil
}

func (s *fileStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return errors.New("audit file closed")
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}

// PruneAudit rewrites the audit file keeping only entries at or after the
// cutoff. The rewrite is atomic (tmp + rename).
func (s *fileStore) PruneAudit(ctx context.Context, olderThan time.Time) (int64, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.auditPath)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	tmp := s.auditPath + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		_ = f.Close()
		return 0, err
	}

	var removed int64
	enc := json.NewEncoder(out)
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e AuditEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			removed++
			continue
		}
		if e.At.Before(olderThan) {
			removed++
			continue
		}
		if err := enc.Encode(e); err != nil {
			_ = f.Close()
			_ = out.Close()
			return 0, err
		}
	}
	scanErr := sc.Err()
	_ = f.Close()
	if err := out.Close(); err != nil {
		return 0, err
	}
	if scanErr != nil {
		return 0, scanErr
	}

	// Swap the append handle to the rewritten file.
	if s.auditFile != nil {
		_ = s.auditFile.Close()
		s.auditFile = nil
	}
	if err := os.Rename(tmp, s.auditPath); err != nil {
		return 0, err
	}
	af, err := os.OpenFile(s.auditPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return removed, err
	}
	s.auditFile = af
	return removed, nil
}

func readJSON(path string, v any) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return json.NewDecoder(f).Decode(v)
}

func writeJSONAtomic(path string, v any) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
