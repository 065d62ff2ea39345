package catalog

import (
	"github.com/mattjoyce/fontbridge/internal/validate"
)

// Kind is a coarse permission hint for an operation. Authorization separates
// operations that only read the font from those that change it or the
// filesystem.
type Kind string

const (
	KindRead  Kind = "read"
	KindWrite Kind = "write"
)

func (k Kind) valid() bool {
	return k == KindRead || k == KindWrite
}

// Operation is one entry of the catalog: a named, typed parameter list and
// the script body that implements it on the host.
type Operation struct {
	Name        string          `yaml:"name" json:"name"`
	Kind        Kind            `yaml:"kind" json:"kind"`
	Description string          `yaml:"description" json:"description"`
	Params      []validate.Spec `yaml:"params,omitempty" json:"params,omitempty"`
	Template    string          `yaml:"template" json:"-"`
}

// Param returns the spec of the named parameter.
func (o *Operation) Param(name string) (validate.Spec, bool) {
	for _, p := range o.Params {
		if p.Name == name {
			return p, true
		}
	}
	return validate.Spec{}, false
}

// IsWrite reports whether the operation may change host state.
func (o *Operation) IsWrite() bool {
	return o.Kind == KindWrite
}

// Manifest is the on-disk catalog format.
type Manifest struct {
	Version    int         `yaml:"version"`
	Operations []Operation `yaml:"operations"`
}
