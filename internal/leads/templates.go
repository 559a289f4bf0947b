package leads

import (
	"errors"
	"os"
	"strings"
)

var ErrNoTemplates = errors.New("leads: no message templates")

// Templates merges inline items with the ones in file (blocks separated by
// lines containing only "---"). Blank templates are dropped.
func Templates(items []string, file string) ([]string, error) {
	out := make([]string, 0, len(items))
	for _, t := range items {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	if strings.TrimSpace(file) != "" {
		b, err := os.ReadFile(file)
		if err != nil {
			return nil, err
		}
		out = append(out, SplitTemplates(string(b))...)
	}
	if len(out) == 0 {
		return nil, ErrNoTemplates
	}
	return out, nil
}

// SplitTemplates splits s on "---" separator lines.
func SplitTemplates(s string) []string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	var (
		out []string
		cur []string
	)
	flush := func() {
		if t := strings.TrimSpace(strings.Join(cur, "\n")); t != "" {
			out = append(out, t)
		}
		cur = cur[:0]
	}
	for _, line := range strings.Split(s, "\n") {
		if strings.TrimSpace(line) == "---" {
			flush()
			continue
		}
		cur = append(cur, line)
	}
	flush()
	return out
}
