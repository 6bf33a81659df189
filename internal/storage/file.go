package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "callbot/pkg/logx"
)

// fileStore keeps everything in two JSON Lines files next to cfg.Path:
//
//	<name>.posts.jsonl  append-only post history
//	<name>.seen.jsonl   dedup log; last line per key wins, rewritten when
//	                    it grows well past the number of live keys
type fileStore struct {
	log logx.Logger

	mu        sync.Mutex
	postsPath string
	posts     *os.File
	seenPath  string
	seenLog   *os.File
	seen      map[string]int64 // key -> expiry unix ms
	seenLines int
}

type seenLine struct {
	Key   string `json:"k"`
	Until int64  `json:"u"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	stem := filepath.Join(dir, strings.TrimSuffix(filepath.Base(cfg.Path), filepath.Ext(cfg.Path)))
	s := &fileStore{
		log:       log,
		postsPath: stem + ".posts.jsonl",
		seenPath:  stem + ".seen.jsonl",
		seen:      make(map[string]int64),
	}

	if err := s.loadSeen(time.Now()); err != nil {
		return nil, fmt.Errorf("load %s: %w", s.seenPath, err)
	}
	// start from a compact log so stale keys do not accumulate across restarts
	if err := s.rewriteSeen(); err != nil {
		return nil, err
	}
	posts, err := os.OpenFile(s.postsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		_ = s.seenLog.Close()
		return nil, err
	}
	s.posts = posts
	return s, nil
}

func (s *fileStore) loadSeen(now time.Time) error {
	f, err := os.Open(s.seenPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var l seenLine
		if json.Unmarshal(sc.Bytes(), &l) != nil || l.Key == "" {
			continue // torn write
		}
		s.seen[l.Key] = l.Until
	}
	cutoff := now.UnixMilli()
	for k, until := range s.seen {
		if until < cutoff {
			delete(s.seen, k)
		}
	}
	return sc.Err()
}

// rewriteSeen replaces the dedup log with one line per live key and reopens
// it for appending. Caller holds mu (or owns s exclusively).
func (s *fileStore) rewriteSeen() error {
	tmp := s.seenPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for k, until := range s.seen {
		if err := enc.Encode(seenLine{Key: k, Until: until}); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := errors.Join(w.Flush(), f.Close()); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.seenPath); err != nil {
		return err
	}

	if s.seenLog != nil {
		_ = s.seenLog.Close()
	}
	s.seenLog, err = os.OpenFile(s.seenPath, os.O_APPEND|os.O_WRONLY, 0o600)
	s.seenLines = len(s.seen)
	return err
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for _, f := range []*os.File{s.posts, s.seenLog} {
		if f != nil {
			errs = append(errs, f.Close())
		}
	}
	s.posts, s.seenLog = nil, nil
	return errors.Join(errs...)
}

func (s *fileStore) AppendPost(_ context.Context, p PostRecord) error {
	if p.At.IsZero() {
		p.At = time.Now()
	}
	line, err := json.Marshal(p)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.posts == nil {
		return os.ErrClosed
	}
	_, err = s.posts.Write(append(line, '\n'))
	return err
}

// RecentPosts returns up to limit posts, newest first.
func (s *fileStore) RecentPosts(_ context.Context, limit int) ([]PostRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	f, err := os.Open(s.postsPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	// keep the last `limit` records in a ring
	ring := make([]PostRecord, limit)
	n := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		var p PostRecord
		if json.Unmarshal(sc.Bytes(), &p) != nil {
			continue
		}
		ring[n%limit] = p
		n++
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}

	out := make([]PostRecord, 0, min(n, limit))
	for i := n - 1; i >= 0 && i >= n-limit; i-- {
		out = append(out, ring[i%limit])
	}
	return out, nil
}

func (s *fileStore) PutDedup(_ context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	line, err := json.Marshal(seenLine{Key: key, Until: until.UnixMilli()})
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seenLog == nil {
		return os.ErrClosed
	}
	s.seen[key] = until.UnixMilli()
	if _, err := s.seenLog.Write(append(line, '\n')); err != nil {
		return err
	}
	s.seenLines++

	if s.seenLines > 4*len(s.seen)+256 {
		now := time.Now().UnixMilli()
		for k, u := range s.seen {
			if u < now {
				delete(s.seen, k)
			}
		}
		if err := s.rewriteSeen(); err != nil {
			s.log.Warn("dedup log rewrite failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) GetDedup(_ context.Context, key string) (time.Time, bool, error) {
	s.mu.Lock()
	ms, ok := s.seen[key]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}
