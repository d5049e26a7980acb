// Package catalog resolves (site, stream kind, turbine) and named single
// sources to database files and table names.
//
// The catalog is loaded once at process start from a YAML file and handed
// to the server explicitly; replay components never consult ambient
// configuration.
package catalog

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Kind selects one of the two per-turbine stream databases.
type Kind string

const (
	KindData   Kind = "data"
	KindStatus Kind = "status"
)

// ParseKind validates a stream-kind string.
func ParseKind(s string) (Kind, bool) {
	switch Kind(s) {
	case KindData, KindStatus:
		return Kind(s), true
	}
	return "", false
}

// Site describes one wind farm: its per-turbine data and status databases
// and the valid turbine id range.
type Site struct {
	DataDB      string `yaml:"data_db"`
	StatusDB    string `yaml:"status_db"`
	TablePrefix string `yaml:"table_prefix"`
	MinTurbine  int    `yaml:"min_turbine"`
	MaxTurbine  int    `yaml:"max_turbine"`
}

// DB returns the database file for the given stream kind.
func (s Site) DB(kind Kind) string {
	if kind == KindStatus {
		return s.StatusDB
	}
	return s.DataDB
}

// Table returns the per-turbine table name.
func (s Site) Table(turbine int) string {
	return s.TablePrefix + strconv.Itoa(turbine)
}

// InRange reports whether turbine is a valid id for this site.
func (s Site) InRange(turbine int) bool {
	return turbine >= s.MinTurbine && turbine <= s.MaxTurbine
}

// Turbines returns every turbine id of the site in ascending order.
func (s Site) Turbines() []int {
	ids := make([]int, 0, s.MaxTurbine-s.MinTurbine+1)
	for t := s.MinTurbine; t <= s.MaxTurbine; t++ {
		ids = append(ids, t)
	}
	return ids
}

// Source describes a standalone single-table stream. Table may be empty,
// in which case the first user table of the database is used.
type Source struct {
	DB    string `yaml:"db"`
	Table string `yaml:"table"`
}

// Catalog is the full site and source map.
type Catalog struct {
	Sites   map[string]Site   `yaml:"sites"`
	Sources map[string]Source `yaml:"sources"`
}

// Load reads and validates a catalog YAML file.
func Load(path string) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}

	var c Catalog
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}

	for name, site := range c.Sites {
		if site.DataDB == "" || site.StatusDB == "" {
			return nil, fmt.Errorf("site %q: data_db and status_db are required", name)
		}
		if site.TablePrefix == "" {
			site.TablePrefix = "turbine_"
		}
		if site.MinTurbine == 0 {
			site.MinTurbine = 1
		}
		if site.MaxTurbine < site.MinTurbine {
			return nil, fmt.Errorf("site %q: invalid turbine range %d..%d", name, site.MinTurbine, site.MaxTurbine)
		}
		c.Sites[name] = site
	}
	for name, src := range c.Sources {
		if src.DB == "" {
			return nil, fmt.Errorf("source %q: db is required", name)
		}
	}
	return &c, nil
}

// Site looks up a site by name.
func (c *Catalog) Site(name string) (Site, bool) {
	s, ok := c.Sites[name]
	return s, ok
}

// Source looks up a named single-table source.
func (c *Catalog) Source(name string) (Source, bool) {
	s, ok := c.Sources[name]
	return s, ok
}
