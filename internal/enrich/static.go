package enrich

import (
	"context"
	"fmt"
	"os"

	yaml "go.yaml.in/yaml/v3"
)

// Static serves names from an in-memory directory.
type Static struct {
	names map[string]Info
}

func NewStatic(names map[string]Info) *Static {
	cp := make(map[string]Info, len(names))
	for k, v := range names {
		cp[k] = v
	}
	return &Static{names: cp}
}

// LoadStatic reads a directory file mapping id -> {name, badge}. YAML and
// JSON are both accepted.
func LoadStatic(path string) (*Static, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var names map[string]Info
	if err := yaml.Unmarshal(b, &names); err != nil {
		return nil, fmt.Errorf("enrich: parse %s: %w", path, err)
	}
	return &Static{names: names}, nil
}

func (s *Static) Len() int { return len(s.names) }

func (s *Static) Lookup(ctx context.Context, ids []string) Result {
	if err := ctx.Err(); err != nil {
		return Result{Status: StatusUnavailable, Err: err}
	}
	out := make(map[string]Info, len(ids))
	for _, id := range ids {
		if info, ok := s.names[id]; ok {
			out[id] = info
		}
	}
	return Result{Status: StatusOK, Names: out}
}
