// Package directory resolves approvers from a YAML file.
package directory

import (
	"bytes"
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/garyjia/quote-approval/internal/application/port"
	"github.com/garyjia/quote-approval/internal/domain/entity"
)

// Approver is one person allowed to decide on quotes
type Approver struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// File is the layout of the approvers file
type File struct {
	Approvers       []Approver        `yaml:"approvers"`
	DefaultApprover string            `yaml:"default_approver"`
	Routes          map[string]string `yaml:"routes"` // submitter id -> approver id
}

// Directory answers approver lookups. It is read-only after loading and safe
// for concurrent use.
type Directory struct {
	approvers map[string]Approver
	fallback  string
	routes    map[string]string
}

// Load reads and validates an approvers file
func Load(path string) (*Directory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read approvers file: %w", err)
	}
	return Parse(data)
}

// Parse builds a directory from YAML. Unknown fields are rejected.
func Parse(data []byte) (*Directory, error) {
	var f File
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&f); err != nil {
		return nil, fmt.Errorf("failed to parse approvers file: %w", err)
	}
	return New(f)
}

// New builds a directory and checks that every route and the default point
// at a listed approver
func New(f File) (*Directory, error) {
	d := &Directory{
		approvers: make(map[string]Approver, len(f.Approvers)),
		fallback:  entity.CanonicalID(f.DefaultApprover),
		routes:    make(map[string]string, len(f.Routes)),
	}

	for _, a := range f.Approvers {
		id := entity.CanonicalID(a.ID)
		if id == "" {
			return nil, fmt.Errorf("approver without id")
		}
		a.ID = id
		d.approvers[id] = a
	}

	if d.fallback != "" && !d.IsApprover(d.fallback) {
		return nil, fmt.Errorf("default approver %q is not listed", f.DefaultApprover)
	}
	for submitter, approver := range f.Routes {
		approver = entity.CanonicalID(approver)
		if !d.IsApprover(approver) {
			return nil, fmt.Errorf("route for %q points at unlisted approver %q", submitter, approver)
		}
		d.routes[entity.CanonicalID(submitter)] = approver
	}
	return d, nil
}

func (d *Directory) IsApprover(id string) bool {
	_, ok := d.approvers[entity.CanonicalID(id)]
	return ok
}

// FirstApprover returns the routed approver of the submitter, else the default
func (d *Directory) FirstApprover(_ context.Context, _ string, submitterID string) (string, error) {
	if approver, ok := d.routes[entity.CanonicalID(submitterID)]; ok {
		return approver, nil
	}
	return d.fallback, nil
}

// Lookup returns the approver entry for an id
func (d *Directory) Lookup(id string) (Approver, bool) {
	a, ok := d.approvers[entity.CanonicalID(id)]
	return a, ok
}

var _ port.ApproverDirectory = (*Directory)(nil)
