package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "rotasend/pkg/logx"
)

// fileStore keeps the result log in <prefix>.results.jsonl (append-only
// JSON Lines). The contacted set and the totals are rebuilt by replaying the
// log on open and then maintained in memory.
type fileStore struct {
	log logx.Logger

	mu        sync.Mutex
	f         *os.File
	contacted map[string]struct{}
	totals    Totals
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	logPath := filepath.Join(dir, base) + ".results.jsonl"

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{log: log, contacted: map[string]struct{}{}}
	skipped, err := s.replay(logPath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if skipped > 0 {
		log.Warn("skipped unreadable result lines", logx.Int("lines", skipped), logx.String("path", logPath))
	}

	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	s.f = f
	log.Debug("file store opened",
		logx.String("path", logPath),
		logx.Int("ok", s.totals.OK),
		logx.Int("failed", s.totals.Failed),
	)
	return s, nil
}

func (s *fileStore) replay(path string) (skipped int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		var r Result
		if err := json.Unmarshal(line, &r); err != nil || r.LeadID == "" {
			skipped++
			continue
		}
		s.applyLocked(r)
	}
	return skipped, sc.Err()
}

func (s *fileStore) applyLocked(r Result) {
	if r.Success {
		s.totals.OK++
		s.contacted[normLead(r.LeadID)] = struct{}{}
	} else {
		s.totals.Failed++
	}
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

func (s *fileStore) AppendResult(ctx context.Context, r Result) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if r.At.IsZero() {
		r.At = time.Now()
	}
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	b = append(b, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return errors.New("result log closed")
	}
	if _, err := s.f.Write(b); err != nil {
		return err
	}
	s.applyLocked(r)
	return nil
}

func (s *fileStore) Contacted(ctx context.Context, lead string) (bool, error) {
	_ = ctx
	key := normLead(lead)
	if key == "" {
		return false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.contacted[key]
	return ok, nil
}

func (s *fileStore) Totals(ctx context.Context) (Totals, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totals, nil
}
