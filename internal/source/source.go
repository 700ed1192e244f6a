// Package source loads the employer roster catalog.
package source

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

const (
	RendererBrowser = "browser"
	RendererStatic  = "static"
)

// Source is one employer whose published roster is harvested.
type Source struct {
	ID          string   `yaml:"id" json:"id" validate:"required,max=64"`
	Name        string   `yaml:"name" json:"name" validate:"required"`
	Teams       []string `yaml:"teams" json:"teams" validate:"dive,required"`
	Departments []string `yaml:"departments" json:"departments" validate:"dive,required"`
	ScheduleURL string   `yaml:"scheduleUrl" json:"schedule_url" validate:"required,url"`
	Priority    int      `yaml:"priority" json:"priority" validate:"gte=0"`

	Renderer    string    `yaml:"renderer,omitempty" json:"renderer,omitempty" validate:"omitempty,oneof=browser static"`
	Selectors   Selectors `yaml:"selectors,omitempty" json:"selectors"`
	Columns     *Columns  `yaml:"columns,omitempty" json:"columns,omitempty"`
	DateLayouts []string  `yaml:"dateLayouts,omitempty" json:"date_layouts,omitempty"`
	// AllowEmpty accepts a zero-row extraction as a real empty roster.
	AllowEmpty bool `yaml:"allowEmpty,omitempty" json:"allow_empty,omitempty"`
}

// Selectors locate the page elements the scrape worker waits on.
type Selectors struct {
	Ready  string `yaml:"ready,omitempty" json:"ready,omitempty"`
	Reveal string `yaml:"reveal,omitempty" json:"reveal,omitempty"`
	Table  string `yaml:"table,omitempty" json:"table,omitempty"`
	Row    string `yaml:"row,omitempty" json:"row,omitempty"`
}

// Columns maps table cells to RawRow fields. -1 marks an absent column.
type Columns struct {
	Date       int `yaml:"date" json:"date" validate:"gte=-1"`
	Shift      int `yaml:"shift" json:"shift" validate:"gte=-1"`
	Team       int `yaml:"team" json:"team" validate:"gte=-1"`
	Department int `yaml:"department" json:"department" validate:"gte=-1"`
	Location   int `yaml:"location" json:"location" validate:"gte=-1"`
}

var DefaultColumns = Columns{Date: 0, Shift: 1, Team: 2, Department: 3, Location: 4}

var noColumns = Columns{Date: -1, Shift: -1, Team: -1, Department: -1, Location: -1}

var columnKeys = map[string]struct{}{
	"date": {}, "shift": {}, "team": {}, "department": {}, "location": {},
}

// UnmarshalYAML decodes a columns block. A key left out of the block is
// absent, not column 0.
func (c *Columns) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind == yaml.MappingNode {
		for i := 0; i < len(n.Content); i += 2 {
			k := n.Content[i]
			if _, ok := columnKeys[k.Value]; !ok {
				return fmt.Errorf("line %d: unknown column %q", k.Line, k.Value)
			}
		}
	}
	type plain Columns
	p := plain(noColumns)
	if err := n.Decode(&p); err != nil {
		return err
	}
	*c = Columns(p)
	return nil
}

func (s Source) RendererOrDefault() string {
	if strings.TrimSpace(s.Renderer) == "" {
		return RendererBrowser
	}
	return s.Renderer
}

// ResolvedSelectors fills empty selectors with defaults.
func (s Source) ResolvedSelectors() Selectors {
	sel := s.Selectors
	if strings.TrimSpace(sel.Ready) == "" {
		sel.Ready = "body"
	}
	if strings.TrimSpace(sel.Table) == "" {
		sel.Table = "table"
	}
	if strings.TrimSpace(sel.Row) == "" {
		sel.Row = "tr"
	}
	return sel
}

func (s Source) ResolvedColumns() Columns {
	if s.Columns == nil {
		return DefaultColumns
	}
	return *s.Columns
}

var ErrEmptyCatalog = errors.New("no sources configured")

type file struct {
	Sources []Source `yaml:"sources" validate:"dive"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// LoadFile reads and validates a YAML source catalog.
func LoadFile(path string) ([]Source, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read sources file %s: %w", path, err)
	}
	return Parse(b)
}

func Parse(b []byte) ([]Source, error) {
	var f file
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("parse sources: %w", err)
	}
	if err := Validate(f.Sources); err != nil {
		return nil, err
	}
	return f.Sources, nil
}

// Validate checks every source and rejects duplicate ids.
func Validate(sources []Source) error {
	if len(sources) == 0 {
		return ErrEmptyCatalog
	}
	seen := make(map[string]struct{}, len(sources))
	for i, s := range sources {
		if err := validate.Struct(s); err != nil {
			return fmt.Errorf("source[%d] %q: %w", i, s.ID, err)
		}
		if _, ok := seen[s.ID]; ok {
			return fmt.Errorf("duplicate source id %q", s.ID)
		}
		seen[s.ID] = struct{}{}
	}
	return nil
}

// ByPriority returns a copy sorted ascending by priority, ties in file order.
func ByPriority(sources []Source) []Source {
	out := append([]Source(nil), sources...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out
}

// Shard returns the sources assigned to worker id out of n workers.
func Shard(sources []Source, id, n int) []Source {
	if n <= 1 {
		return sources
	}
	out := make([]Source, 0, len(sources)/n+1)
	for i, s := range sources {
		if i%n == id%n {
			out = append(out, s)
		}
	}
	return out
}
