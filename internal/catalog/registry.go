// Package catalog holds the operations the bridge can run on the host.
//
// The catalog is loaded once at startup, checked for consistency between
// parameter specs and template slots, and shared read-only afterwards.
package catalog

import (
	_ "embed"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/fontbridge/internal/script"
	"github.com/mattjoyce/fontbridge/internal/validate"
)

const supportedVersion = 1

//go:embed operations.yaml
var builtin []byte

// Registry holds operations indexed by name.
type Registry struct {
	ops         map[string]*Operation
	order       []string
	fingerprint string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{ops: make(map[string]*Operation)}
}

// Get retrieves an operation by name.
func (r *Registry) Get(name string) (*Operation, bool) {
	op, ok := r.ops[name]
	return op, ok
}

// All returns every operation in catalog order.
func (r *Registry) All() []*Operation {
	out := make([]*Operation, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.ops[name])
	}
	return out
}

// Names returns operation names sorted alphabetically.
func (r *Registry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	sort.Strings(out)
	return out
}

// Len returns the number of operations.
func (r *Registry) Len() int { return len(r.order) }

// Fingerprint returns blake3:<hex> of the catalog source.
func (r *Registry) Fingerprint() string { return r.fingerprint }

// Add checks op and registers it.
func (r *Registry) Add(op *Operation) error {
	if err := checkOperation(op); err != nil {
		return err
	}
	if _, exists := r.ops[op.Name]; exists {
		return fmt.Errorf("operation %q already registered", op.Name)
	}
	r.ops[op.Name] = op
	r.order = append(r.order, op.Name)
	return nil
}

// ReadOperations returns the names of operations marked kind=read, in catalog order.
func (r *Registry) ReadOperations() []string {
	return r.byKind(KindRead)
}

// WriteOperations returns the names of operations marked kind=write, in catalog order.
func (r *Registry) WriteOperations() []string {
	return r.byKind(KindWrite)
}

func (r *Registry) byKind(k Kind) []string {
	var out []string
	for _, name := range r.order {
		if r.ops[name].Kind == k {
			out = append(out, name)
		}
	}
	return out
}

// Builtin loads the embedded catalog.
func Builtin() (*Registry, error) {
	return Load(builtin)
}

// Load parses and checks a catalog document. Any inconsistency is an error:
// a malformed catalog must stop startup rather than fail per request.
func Load(data []byte) (*Registry, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse catalog YAML: %w", err)
	}
	if m.Version != supportedVersion {
		return nil, fmt.Errorf("unsupported catalog version %d (supported: %d)", m.Version, supportedVersion)
	}
	if len(m.Operations) == 0 {
		return nil, fmt.Errorf("catalog declares no operations")
	}

	r := NewRegistry()
	for i := range m.Operations {
		op := m.Operations[i]
		if err := r.Add(&op); err != nil {
			return nil, fmt.Errorf("invalid catalog: %w", err)
		}
	}

	sum := blake3.Sum256(data)
	r.fingerprint = "blake3:" + hex.EncodeToString(sum[:])
	return r, nil
}

// ValidName reports whether name is a well-formed operation name: lower
// snake case starting with a letter.
func ValidName(name string) bool {
	if name == "" || name[0] < 'a' || name[0] > 'z' {
		return false
	}
	for _, c := range name {
		if !(c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c == '_') {
			return false
		}
	}
	return true
}

func checkOperation(op *Operation) error {
	op.Name = strings.TrimSpace(op.Name)
	if op.Name == "" {
		return fmt.Errorf("operation name is required")
	}
	if !ValidName(op.Name) {
		return fmt.Errorf("operation name %q must be lower snake case", op.Name)
	}
	if !op.Kind.valid() {
		return fmt.Errorf("invalid kind %q for %q (valid: read, write)", op.Kind, op.Name)
	}
	if err := script.CheckTemplate(op.Template); err != nil {
		return fmt.Errorf("%s: %w", op.Name, err)
	}

	declared := make(map[string]struct{}, len(op.Params))
	for _, p := range op.Params {
		if _, dup := declared[p.Name]; dup {
			return fmt.Errorf("%s: duplicate parameter %q", op.Name, p.Name)
		}
		declared[p.Name] = struct{}{}
		if err := validate.Check(p); err != nil {
			return fmt.Errorf("%s: %w", op.Name, err)
		}
		if p.Default != nil {
			if _, err := validate.New(validate.Options{}).Value(p, p.Default); err != nil {
				return fmt.Errorf("%s: default for %q is invalid: %w", op.Name, p.Name, err)
			}
		}
	}

	slots := make(map[string]struct{})
	for _, s := range script.Slots(op.Template) {
		if _, ok := declared[s]; !ok {
			return fmt.Errorf("%s: template slot %q has no parameter", op.Name, s)
		}
		slots[s] = struct{}{}
	}
	for _, p := range op.Params {
		if _, ok := slots[p.Name]; !ok {
			return fmt.Errorf("%s: parameter %q has no template slot", op.Name, p.Name)
		}
	}
	return nil
}
