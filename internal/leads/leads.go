// Package leads loads campaign inputs: the recipient list and the message
// templates.
package leads

import (
	"bufio"
	"context"
	"io"
	"os"
	"strings"
)

// Contacted reports whether a lead already received a message.
type Contacted func(ctx context.Context, lead string) (bool, error)

// Stats describes what Load dropped.
type Stats struct {
	Read       int
	Duplicates int
	Contacted  int
}

// Load reads one lead per line. Blank lines and lines starting with '#' are
// ignored; a trailing ",..." column (CSV exports) is cut off.
func Load(ctx context.Context, path string, skip Contacted) ([]string, Stats, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, Stats{}, err
	}
	defer f.Close()
	return Read(ctx, f, skip)
}

// Read is Load over any reader. Order is preserved and duplicates
// (case-insensitive) keep their first position.
func Read(ctx context.Context, r io.Reader, skip Contacted) ([]string, Stats, error) {
	var (
		out   []string
		st    Stats
		seen  = map[string]bool{}
		sc    = bufio.NewScanner(r)
		first = true
	)
	for sc.Scan() {
		line := sc.Text()
		if first {
			line = strings.TrimPrefix(line, "\ufeff")
			first = false
		}
		lead := normalize(line)
		if lead == "" {
			continue
		}
		st.Read++
		key := strings.ToLower(lead)
		if seen[key] {
			st.Duplicates++
			continue
		}
		seen[key] = true
		if skip != nil {
			done, err := skip(ctx, lead)
			if err != nil {
				return nil, st, err
			}
			if done {
				st.Contacted++
				continue
			}
		}
		out = append(out, lead)
	}
	return out, st, sc.Err()
}

func normalize(line string) string {
	s := strings.TrimSpace(line)
	if s == "" || strings.HasPrefix(s, "#") {
		return ""
	}
	if i := strings.IndexByte(s, ','); i >= 0 {
		s = strings.TrimSpace(s[:i])
	}
	return strings.Trim(s, `"'`)
}
