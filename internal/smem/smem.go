// Package smem implements the typed, fixed-capacity batch buffers shared
// between the batching plane and the inference engine. A Schema declares the
// named per-sample fields, a Mem holds one batch worth of storage, and Views
// are row windows into that storage.
package smem

import (
	"github.com/gomlx/exceptions"

	"github.com/6un9-h0-Dan/ELF/internal/generics"
)

// DType enumerates the supported field element types.
type DType int

const (
	Float32 DType = iota
	Int32
)

// String implements fmt.Stringer.
func (d DType) String() string {
	switch d {
	case Float32:
		return "float32"
	case Int32:
		return "int32"
	}
	return "invalid"
}

// Field describes one named tensor of a batch: Dim values of DType per sample.
type Field struct {
	Name  string
	DType DType
	Dim   int
}

// Schema is an ordered list of fields, with a subset marked as inputs.
// Input fields are written by workers and read by the engine; the remaining
// fields travel the opposite way.
type Schema struct {
	fields []Field
	index  map[string]int
	inputs generics.Set[string]
}

// NewSchema returns an empty schema. Add fields with AddFloat32/AddInt32 and
// mark the worker-written ones with MarkInputs.
func NewSchema() *Schema {
	return &Schema{
		index:  make(map[string]int),
		inputs: generics.MakeSet[string](),
	}
}

func (s *Schema) add(f Field) *Schema {
	if f.Dim < 1 {
		exceptions.Panicf("smem: field %q registered with dim %d", f.Name, f.Dim)
	}
	if _, found := s.index[f.Name]; found {
		exceptions.Panicf("smem: field %q registered twice", f.Name)
	}
	s.index[f.Name] = len(s.fields)
	s.fields = append(s.fields, f)
	return s
}

// AddFloat32 registers a float32 field with dim values per sample.
func (s *Schema) AddFloat32(name string, dim int) *Schema {
	return s.add(Field{Name: name, DType: Float32, Dim: dim})
}

// AddInt32 registers an int32 field with dim values per sample.
func (s *Schema) AddInt32(name string, dim int) *Schema {
	return s.add(Field{Name: name, DType: Int32, Dim: dim})
}

// MarkInputs marks previously registered fields as worker-written inputs.
func (s *Schema) MarkInputs(names ...string) *Schema {
	for _, name := range names {
		if _, found := s.index[name]; !found {
			exceptions.Panicf("smem: cannot mark unknown field %q as input", name)
		}
		s.inputs.Insert(name)
	}
	return s
}

// Fields returns the fields in registration order. The returned slice is
// owned by the schema.
func (s *Schema) Fields() []Field { return s.fields }

// Field returns the named field.
func (s *Schema) Field(name string) (Field, bool) {
	idx, found := s.index[name]
	if !found {
		return Field{}, false
	}
	return s.fields[idx], true
}

// IsInput reports whether the named field is worker-written.
func (s *Schema) IsInput(name string) bool { return s.inputs.Has(name) }

// sameField reports whether both schemas declare an identical field.
func (s *Schema) sameField(other *Schema, name string) bool {
	a, okA := s.Field(name)
	b, okB := other.Field(name)
	return okA && okB && a == b
}

// Mem is one batch worth of storage, laid out flat per field.
type Mem struct {
	schema    *Schema
	batchSize int
	f32       map[string][]float32
	i32       map[string][]int32
}

// NewMem allocates storage for batchSize samples of the given schema.
func NewMem(schema *Schema, batchSize int) *Mem {
	if batchSize < 1 {
		exceptions.Panicf("smem: batch size %d", batchSize)
	}
	m := &Mem{
		schema:    schema,
		batchSize: batchSize,
		f32:       make(map[string][]float32),
		i32:       make(map[string][]int32),
	}
	for _, f := range schema.fields {
		switch f.DType {
		case Float32:
			m.f32[f.Name] = make([]float32, batchSize*f.Dim)
		case Int32:
			m.i32[f.Name] = make([]int32, batchSize*f.Dim)
		}
	}
	return m
}

// Schema returns the schema the storage was allocated for.
func (m *Mem) Schema() *Schema { return m.schema }

// BatchSize returns the number of samples the storage holds.
func (m *Mem) BatchSize() int { return m.batchSize }

// Float32 returns the full flat storage of a float32 field.
func (m *Mem) Float32(name string) []float32 {
	data, found := m.f32[name]
	if !found {
		exceptions.Panicf("smem: no float32 field %q", name)
	}
	return data
}

// Int32 returns the full flat storage of an int32 field.
func (m *Mem) Int32(name string) []int32 {
	data, found := m.i32[name]
	if !found {
		exceptions.Panicf("smem: no int32 field %q", name)
	}
	return data
}

// View returns the row window [lo, hi).
func (m *Mem) View(lo, hi int) *View {
	if lo < 0 || hi > m.batchSize || lo >= hi {
		exceptions.Panicf("smem: view [%d, %d) out of range for batch size %d", lo, hi, m.batchSize)
	}
	return &View{mem: m, lo: lo, hi: hi}
}

// Whole returns a view spanning the full batch.
func (m *Mem) Whole() *View { return m.View(0, m.batchSize) }

// EntryViews returns one single-row view per sample.
func (m *Mem) EntryViews() []*View {
	views := make([]*View, m.batchSize)
	for ii := range views {
		views[ii] = m.View(ii, ii+1)
	}
	return views
}

// View is a row window of a Mem. Views created from the same Mem share its
// backing storage.
type View struct {
	mem    *Mem
	lo, hi int
}

// Rows returns the number of samples in the window.
func (v *View) Rows() int { return v.hi - v.lo }

// Mem returns the underlying storage.
func (v *View) Mem() *Mem { return v.mem }

// Schema returns the schema of the underlying storage.
func (v *View) Schema() *Schema { return v.mem.schema }

// Float32 returns the window of a float32 field: Rows()*dim values.
func (v *View) Float32(name string) []float32 {
	f, found := v.mem.schema.Field(name)
	if !found || f.DType != Float32 {
		exceptions.Panicf("smem: no float32 field %q", name)
	}
	return v.mem.f32[name][v.lo*f.Dim : v.hi*f.Dim]
}

// Int32 returns the window of an int32 field: Rows()*dim values.
func (v *View) Int32(name string) []int32 {
	f, found := v.mem.schema.Field(name)
	if !found || f.DType != Int32 {
		exceptions.Panicf("smem: no int32 field %q", name)
	}
	return v.mem.i32[name][v.lo*f.Dim : v.hi*f.Dim]
}

// copyFields copies the fields selected by keep from src to dst. Both views
// must have the same number of rows and structurally identical fields.
func copyFields(dst, src *View, keep func(Field) bool) {
	if dst.Rows() != src.Rows() {
		exceptions.Panicf("smem: copying between views of %d and %d rows", src.Rows(), dst.Rows())
	}
	for _, f := range dst.mem.schema.fields {
		if !keep(f) {
			continue
		}
		if !src.mem.schema.sameField(dst.mem.schema, f.Name) {
			exceptions.Panicf("smem: field %q differs between source and destination schemas", f.Name)
		}
		switch f.DType {
		case Float32:
			copy(dst.Float32(f.Name), src.Float32(f.Name))
		case Int32:
			copy(dst.Int32(f.Name), src.Int32(f.Name))
		}
	}
}

// Copy copies all fields from src to dst.
func Copy(dst, src *View) {
	copyFields(dst, src, func(Field) bool { return true })
}

// CopyInputs copies only the input fields from src to dst.
func CopyInputs(dst, src *View) {
	copyFields(dst, src, func(f Field) bool { return dst.mem.schema.IsInput(f.Name) })
}

// CopyReplies copies only the non-input fields from src to dst.
func CopyReplies(dst, src *View) {
	copyFields(dst, src, func(f Field) bool { return !dst.mem.schema.IsInput(f.Name) })
}
