// Package catalog maps dataset names and parameters to cache keys and
// store queries.
package catalog

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/oriys/snapcache/internal/pkg/crypto"
	"github.com/oriys/snapcache/internal/store"
)

var (
	ErrUnknownDataset = errors.New("unknown dataset")
	ErrBadParams      = errors.New("invalid dataset parameters")
	ErrUnknownKey     = errors.New("unknown cache key")
)

// DefaultDataset is served when no dataset is named.
const DefaultDataset = "users_snapshot"

// DefaultBoundKeys caps how many parameterized keys are remembered.
const DefaultBoundKeys = 4096

var namePattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// Definition is one named dataset.
type Definition struct {
	Name        string   `json:"name" yaml:"name"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	SQL         string   `json:"sql" yaml:"sql"`
	Params      []string `json:"params,omitempty" yaml:"params,omitempty"`
	// Limit caps the number of rows read. Zero means no cap.
	Limit int `json:"limit,omitempty" yaml:"limit,omitempty"`
}

// Default returns the users_snapshot dataset.
func Default() Definition {
	return Definition{
		Name:        DefaultDataset,
		Description: "First ten rows of the users table",
		SQL:         "SELECT * FROM users LIMIT 10",
		Limit:       10,
	}
}

// Binding is a dataset bound to concrete parameter values.
type Binding struct {
	Dataset string
	Key     string
	Query   store.Query
}

// Catalog holds dataset definitions. It is safe for concurrent use.
type Catalog struct {
	defs  map[string]Definition
	names []string
	bound *lru.Cache[string, store.Query]
}

// New validates defs and builds a catalog. An empty list yields the default
// dataset.
func New(defs []Definition) (*Catalog, error) {
	if len(defs) == 0 {
		defs = []Definition{Default()}
	}
	bound, err := lru.New[string, store.Query](DefaultBoundKeys)
	if err != nil {
		return nil, err
	}
	c := &Catalog{defs: make(map[string]Definition, len(defs)), bound: bound}
	for _, d := range defs {
		if err := d.Validate(); err != nil {
			return nil, err
		}
		if _, dup := c.defs[d.Name]; dup {
			return nil, fmt.Errorf("duplicate dataset %q", d.Name)
		}
		c.defs[d.Name] = d
		c.names = append(c.names, d.Name)
	}
	sort.Strings(c.names)
	return c, nil
}

// Validate checks a single definition.
func (d Definition) Validate() error {
	if !namePattern.MatchString(d.Name) {
		return fmt.Errorf("dataset name %q must match %s", d.Name, namePattern)
	}
	if strings.TrimSpace(d.SQL) == "" {
		return fmt.Errorf("dataset %q: sql is required", d.Name)
	}
	if d.Limit < 0 {
		return fmt.Errorf("dataset %q: limit must not be negative", d.Name)
	}
	seen := make(map[string]struct{}, len(d.Params))
	for _, p := range d.Params {
		if !namePattern.MatchString(p) {
			return fmt.Errorf("dataset %q: invalid parameter name %q", d.Name, p)
		}
		if _, dup := seen[p]; dup {
			return fmt.Errorf("dataset %q: duplicate parameter %q", d.Name, p)
		}
		seen[p] = struct{}{}
	}
	return nil
}

// Names returns the dataset names in sorted order.
func (c *Catalog) Names() []string {
	return append([]string(nil), c.names...)
}

// Get returns the definition for name.
func (c *Catalog) Get(name string) (Definition, bool) {
	d, ok := c.defs[name]
	return d, ok
}

// Bind resolves name and params to a cache key and query. Every declared
// parameter must be supplied and no others are accepted. Query arguments
// follow the declared parameter order.
func (c *Catalog) Bind(name string, params map[string]string) (Binding, error) {
	d, ok := c.defs[name]
	if !ok {
		return Binding{}, fmt.Errorf("%w: %q", ErrUnknownDataset, name)
	}

	for k := range params {
		if !contains(d.Params, k) {
			return Binding{}, fmt.Errorf("%w: dataset %q has no parameter %q", ErrBadParams, name, k)
		}
	}

	args := make([]any, 0, len(d.Params))
	parts := make([]string, 0, 2*len(d.Params))
	for _, p := range d.Params {
		v, ok := params[p]
		if !ok {
			return Binding{}, fmt.Errorf("%w: dataset %q requires parameter %q", ErrBadParams, name, p)
		}
		args = append(args, v)
		parts = append(parts, p, v)
	}

	b := Binding{
		Dataset: name,
		Key:     name,
		Query:   store.Query{SQL: d.SQL, Args: args, MaxRows: d.Limit},
	}
	if len(d.Params) > 0 {
		b.Key = name + ":" + crypto.HashParts(parts...)
		c.bound.Add(b.Key, b.Query)
	}
	return b, nil
}

// Query returns the store query for a cache key produced by Bind.
func (c *Catalog) Query(key string) (store.Query, error) {
	name, _, parameterized := strings.Cut(key, ":")
	if !parameterized {
		b, err := c.Bind(name, nil)
		if err != nil {
			return store.Query{}, err
		}
		return b.Query, nil
	}
	if _, ok := c.defs[name]; !ok {
		return store.Query{}, fmt.Errorf("%w: %q", ErrUnknownDataset, name)
	}
	q, ok := c.bound.Get(key)
	if !ok {
		return store.Query{}, fmt.Errorf("%w: %q", ErrUnknownKey, key)
	}
	return q, nil
}

// DatasetOf returns the dataset name encoded in key.
func DatasetOf(key string) string {
	name, _, _ := strings.Cut(key, ":")
	return name
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
