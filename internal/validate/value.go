package validate

// Kind identifies the shape of a validated value.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindList
	KindRecord
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindList:
		return "list"
	case KindRecord:
		return "record"
	default:
		return "unknown"
	}
}

// Value is a parameter value known to satisfy its Spec. Its fields are
// unexported: outside this package a Value can only be obtained from the
// validator (or be the zero Value, which is null).
type Value struct {
	kind   Kind
	b      bool
	i      int64
	f      float64
	s      string
	items  []Value
	fields []Field
}

// Field is one named member of a record value, in declared order.
type Field struct {
	Name  string
	Value Value
}

func (v Value) Kind() Kind     { return v.kind }
func (v Value) Bool() bool     { return v.b }
func (v Value) Int() int64     { return v.i }
func (v Value) Float() float64 { return v.f }
func (v Value) IsNull() bool   { return v.kind == KindNull }

// Str returns the string payload. Value must not implement fmt.Stringer:
// %v never renders raw caller text.
func (v Value) Str() string { return v.s }

// Items returns a copy of the list elements.
func (v Value) Items() []Value {
	out := make([]Value, len(v.items))
	copy(out, v.items)
	return out
}

// Fields returns a copy of the record fields in declared order.
func (v Value) Fields() []Field {
	out := make([]Field, len(v.fields))
	copy(out, v.fields)
	return out
}

// Interface converts the value back to plain Go data (for logging and
// echoing in tests).
func (v Value) Interface() any {
	switch v.kind {
	case KindBool:
		return v.b
	case KindInt:
		return v.i
	case KindFloat:
		return v.f
	case KindString:
		return v.s
	case KindList:
		out := make([]any, len(v.items))
		for i, it := range v.items {
			out[i] = it.Interface()
		}
		return out
	case KindRecord:
		out := make(map[string]any, len(v.fields))
		for _, f := range v.fields {
			out[f.Name] = f.Value.Interface()
		}
		return out
	default:
		return nil
	}
}

// Set is the validated parameter set of one request, in spec order.
type Set struct {
	names  []string
	values map[string]Value
}

// Get returns the validated value for name.
func (s Set) Get(name string) (Value, bool) {
	v, ok := s.values[name]
	return v, ok
}

// Names returns parameter names in spec order.
func (s Set) Names() []string {
	out := make([]string, len(s.names))
	copy(out, s.names)
	return out
}

// Len returns the number of parameters in the set.
func (s Set) Len() int { return len(s.names) }
