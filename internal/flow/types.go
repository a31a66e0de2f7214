package flow

import (
	"fmt"
	"strings"
)

// Type identifies the element type of a variable or tensor.
type Type int

const (
	Invalid Type = iota
	Float32
	Float64
	Float16
	BFloat16
	Int8
	Int16
	Int32
	Int64
	Uint8
	Uint16
	Bool
)

// TypeTraits describes the storage properties of an element type.
type TypeTraits struct {
	Type Type
	Name string
	Size int // element size in bytes
}

var typeTraits = map[Type]TypeTraits{
	Invalid:  {Invalid, "void", 0},
	Float32:  {Float32, "float32", 4},
	Float64:  {Float64, "float64", 8},
	Float16:  {Float16, "float16", 2},
	BFloat16: {BFloat16, "bfloat16", 2},
	Int8:     {Int8, "int8", 1},
	Int16:    {Int16, "int16", 2},
	Int32:    {Int32, "int32", 4},
	Int64:    {Int64, "int64", 8},
	Uint8:    {Uint8, "uint8", 1},
	Uint16:   {Uint16, "uint16", 2},
	Bool:     {Bool, "bool", 1},
}

var typeNames = map[string]Type{
	"void":     Invalid,
	"float32":  Float32,
	"float":    Float32,
	"float64":  Float64,
	"float16":  Float16,
	"bfloat16": BFloat16,
	"int8":     Int8,
	"int16":    Int16,
	"int32":    Int32,
	"int":      Int32,
	"int64":    Int64,
	"uint8":    Uint8,
	"uint16":   Uint16,
	"bool":     Bool,
}

// Traits returns the type traits for t.
func Traits(t Type) TypeTraits {
	return typeTraits[t]
}

// TypeByName resolves a type name to a Type. The second return value reports
// whether the name is known.
func TypeByName(name string) (Type, bool) {
	t, ok := typeNames[name]
	return t, ok
}

func (t Type) String() string {
	return typeTraits[t].Name
}

// Size returns the element size of the type in bytes.
func (t Type) Size() int {
	return typeTraits[t].Size
}

// Shape holds the ordered dimension sizes of a variable. A nil dimension
// slice means the shape is unknown; a dimension of -1 means that single
// dimension is unknown or dynamic.
type Shape struct {
	dims []int
}

// Scalar returns the shape of a scalar (rank zero, known).
func Scalar() Shape {
	return Shape{dims: []int{}}
}

// Dims returns a shape with the given dimension sizes.
func Dims(dims ...int) Shape {
	if dims == nil {
		dims = []int{}
	}
	return Shape{dims: dims}
}

// Missing reports whether the shape is completely unknown.
func (s Shape) Missing() bool {
	return s.dims == nil
}

// Defined reports whether all dimensions are known.
func (s Shape) Defined() bool {
	if s.dims == nil {
		return false
	}
	for _, d := range s.dims {
		if d == -1 {
			return false
		}
	}
	return true
}

// Rank returns the number of dimensions.
func (s Shape) Rank() int {
	return len(s.dims)
}

// Dim returns the size of dimension d.
func (s Shape) Dim(d int) int {
	return s.dims[d]
}

// IsScalar reports whether the shape is a known rank-zero shape.
func (s Shape) IsScalar() bool {
	return s.dims != nil && len(s.dims) == 0
}

// Elements returns the total number of elements, or -1 if the shape is not
// fully defined.
func (s Shape) Elements() int {
	if !s.Defined() {
		return -1
	}
	n := 1
	for _, d := range s.dims {
		n *= d
	}
	return n
}

// Add appends a dimension to the shape.
func (s *Shape) Add(dim int) {
	s.dims = append(s.dims, dim)
}

// Equal reports whether two shapes have identical rank and dimensions.
func (s Shape) Equal(other Shape) bool {
	if s.Missing() != other.Missing() || len(s.dims) != len(other.dims) {
		return false
	}
	for d, n := range s.dims {
		if other.dims[d] != n {
			return false
		}
	}
	return true
}

// IsSameSize reports whether two shapes have the same rank and matching
// dimensions, treating -1 as a wildcard.
func (s Shape) IsSameSize(other Shape) bool {
	if s.Rank() != other.Rank() {
		return false
	}
	for d := 0; d < s.Rank(); d++ {
		if s.dims[d] != other.dims[d] && s.dims[d] != -1 && other.dims[d] != -1 {
			return false
		}
	}
	return true
}

// BroadcastCompatible reports whether the two shapes are compatible under
// trailing-dimension broadcasting. A dimension matches if the sizes are
// equal or either side is 1 or unknown.
func (s Shape) BroadcastCompatible(other Shape) bool {
	d1 := s.Rank() - 1
	d2 := other.Rank() - 1
	for d1 >= 0 && d2 >= 0 {
		n1 := s.dims[d1]
		n2 := other.dims[d2]
		d1--
		d2--
		if n1 == -1 || n1 == 1 {
			continue
		}
		if n2 == -1 || n2 == 1 {
			continue
		}
		if n1 != n2 {
			return false
		}
	}
	return true
}

// CommonSize returns the product of the longest common trailing dimensions
// of the two shapes.
func (s Shape) CommonSize(other Shape) int {
	n := 1
	d1 := s.Rank() - 1
	d2 := other.Rank() - 1
	for d1 >= 0 && d2 >= 0 {
		if s.dims[d1] != other.dims[d2] {
			break
		}
		n *= s.dims[d1]
		d1--
		d2--
	}
	return n
}

func (s Shape) String() string {
	if s.Missing() {
		return "?"
	}
	var b strings.Builder
	for d, n := range s.dims {
		if d > 0 {
			b.WriteString("x")
		}
		if n == -1 {
			b.WriteString("?")
		} else {
			fmt.Fprintf(&b, "%d", n)
		}
	}
	return b.String()
}

// Attribute is a named string value on an operation or blob.
type Attribute struct {
	Name  string
	Value string
}

// Attributes is an ordered list of attributes with unique names.
type Attributes []Attribute

// Get returns the value of the named attribute or the empty string.
func (a Attributes) Get(name string) string {
	for _, attr := range a {
		if attr.Name == name {
			return attr.Value
		}
	}
	return ""
}

// GetInt returns the named attribute parsed as an integer or defval.
func (a Attributes) GetInt(name string, defval int) int {
	for _, attr := range a {
		if attr.Name == name {
			var n int
			if _, err := fmt.Sscanf(attr.Value, "%d", &n); err != nil {
				return defval
			}
			return n
		}
	}
	return defval
}

// GetBool returns the named attribute parsed as a boolean or defval.
func (a Attributes) GetBool(name string, defval bool) bool {
	for _, attr := range a {
		if attr.Name == name {
			return attr.Value == "1" || attr.Value == "T" || attr.Value == "true"
		}
	}
	return defval
}

// Has reports whether the named attribute is present.
func (a Attributes) Has(name string) bool {
	for _, attr := range a {
		if attr.Name == name {
			return true
		}
	}
	return false
}

// Set assigns the named attribute, replacing any existing value.
func (a *Attributes) Set(name, value string) {
	for i := range *a {
		if (*a)[i].Name == name {
			(*a)[i].Value = value
			return
		}
	}
	*a = append(*a, Attribute{Name: name, Value: value})
}

// SetInt assigns the named attribute from an integer value.
func (a *Attributes) SetInt(name string, value int) {
	a.Set(name, fmt.Sprintf("%d", value))
}
