// Package yamlfile loads migration descriptors from YAML files.
//
// One file declares one migration:
//
//	id: add_timezone_column
//	sequence: 30
//	check:
//	  column_absent: {table: users, column: timezone}
//	forward:
//	  - ALTER TABLE users ADD COLUMN timezone TEXT NOT NULL DEFAULT 'America/New_York'
//	backward:
//	  - ALTER TABLE users DROP COLUMN timezone
//
// File names carry no meaning; ordering comes only from the sequence field.
package yamlfile

import (
	"bytes"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/evolvedb/evolve"
)

type file struct {
	ID       string    `yaml:"id"`
	Sequence uint      `yaml:"sequence"`
	Check    checkSpec `yaml:"check"`
	Forward  []string  `yaml:"forward"`
	Backward []string  `yaml:"backward"`
}

// checkSpec is the serialized form of an evolve.Condition. Exactly one
// field must be set (the "all" form combines several specs).
type checkSpec struct {
	ColumnAbsent  *columnRef  `yaml:"column_absent"`
	ColumnPresent *columnRef  `yaml:"column_present"`
	TableAbsent   string      `yaml:"table_absent"`
	TablePresent  string      `yaml:"table_present"`
	IndexAbsent   *indexRef   `yaml:"index_absent"`
	IndexPresent  *indexRef   `yaml:"index_present"`
	All           []checkSpec `yaml:"all"`
}

type columnRef struct {
	Table  string `yaml:"table"`
	Column string `yaml:"column"`
}

type indexRef struct {
	Table string `yaml:"table"`
	Index string `yaml:"index"`
}

func (c checkSpec) condition() (evolve.Condition, error) {
	var conds []evolve.Condition

	if c.ColumnAbsent != nil {
		conds = append(conds, evolve.ColumnAbsent(c.ColumnAbsent.Table, c.ColumnAbsent.Column))
	}
	if c.ColumnPresent != nil {
		conds = append(conds, evolve.ColumnPresent(c.ColumnPresent.Table, c.ColumnPresent.Column))
	}
	if c.TableAbsent != "" {
		conds = append(conds, evolve.TableAbsent(c.TableAbsent))
	}
	if c.TablePresent != "" {
		conds = append(conds, evolve.TablePresent(c.TablePresent))
	}
	if c.IndexAbsent != nil {
		conds = append(conds, evolve.IndexAbsent(c.IndexAbsent.Table, c.IndexAbsent.Index))
	}
	if c.IndexPresent != nil {
		conds = append(conds, evolve.IndexPresent(c.IndexPresent.Table, c.IndexPresent.Index))
	}
	if len(c.All) > 0 {
		sub := make([]evolve.Condition, 0, len(c.All))
		for _, s := range c.All {
			cond, err := s.condition()
			if err != nil {
				return nil, err
			}
			sub = append(sub, cond)
		}
		conds = append(conds, evolve.All(sub...))
	}

	switch len(conds) {
	case 0:
		return nil, fmt.Errorf("check: no condition given")
	case 1:
		return conds[0], nil
	default:
		return nil, fmt.Errorf("check: more than one condition given, use \"all\"")
	}
}

// Parse decodes one descriptor document. Unknown fields are rejected.
func Parse(data []byte) (*evolve.Descriptor, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var f file
	if err := dec.Decode(&f); err != nil {
		return nil, err
	}

	cond, err := f.Check.condition()
	if err != nil {
		return nil, fmt.Errorf("migration %q: %w", f.ID, err)
	}

	return &evolve.Descriptor{
		ID:           f.ID,
		Sequence:     f.Sequence,
		Forward:      f.Forward,
		Backward:     f.Backward,
		Precondition: cond,
	}, nil
}

// Load reads every *.yaml / *.yml file under dir into a Registry.
func Load(dir string) (*evolve.Registry, error) {
	if _, err := os.Stat(dir); err != nil {
		return nil, err
	}
	return LoadFS(os.DirFS(dir), ".")
}

// LoadFS is Load for any fs.FS, so descriptors can ship inside the binary
// via embed.FS.
func LoadFS(fsys fs.FS, dir string) (*evolve.Registry, error) {
	dirEntries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, err
	}

	var names []string
	for _, e := range dirEntries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".yaml", ".yml":
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	descriptors := make([]*evolve.Descriptor, 0, len(names))
	for _, name := range names {
		data, err := fs.ReadFile(fsys, path.Join(dir, name))
		if err != nil {
			return nil, err
		}
		d, err := Parse(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		descriptors = append(descriptors, d)
	}

	return evolve.NewRegistry(descriptors...)
}
