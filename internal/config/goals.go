package config

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed goals.yaml
var defaultGoals []byte

// GoalTable is the symmetric set of goal pairs treated as compatible.
type GoalTable struct {
	Goals []string
	pairs map[[2]string]struct{}
}

type goalFile struct {
	Goals      []string   `yaml:"goals"`
	Compatible [][]string `yaml:"compatible"`
}

// ParseGoalTable decodes a goals YAML document.
func ParseGoalTable(data []byte) (*GoalTable, error) {
	var f goalFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse goals: %w", err)
	}
	t := &GoalTable{Goals: f.Goals, pairs: make(map[[2]string]struct{}, len(f.Compatible))}
	for i, p := range f.Compatible {
		if len(p) != 2 {
			return nil, fmt.Errorf("parse goals: compatible[%d] has %d entries, want 2", i, len(p))
		}
		t.pairs[pairKey(p[0], p[1])] = struct{}{}
	}
	return t, nil
}

// DefaultGoalTable returns the embedded table.
func DefaultGoalTable() *GoalTable {
	t, err := ParseGoalTable(defaultGoals)
	if err != nil {
		panic(err)
	}
	return t
}

// LoadGoalTable reads path, or returns the embedded table when path is empty.
func LoadGoalTable(path string) (*GoalTable, error) {
	if path == "" {
		return DefaultGoalTable(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read goals file: %w", err)
	}
	return ParseGoalTable(data)
}

// Compatible reports whether a and b form a listed pair, in either order.
func (t *GoalTable) Compatible(a, b string) bool {
	if t == nil {
		return false
	}
	_, ok := t.pairs[pairKey(a, b)]
	return ok
}

func pairKey(a, b string) [2]string {
	if b < a {
		a, b = b, a
	}
	return [2]string{a, b}
}
