// Package schema checks merged game state against an optional CUE schema.
//
// The schema is an ordinary CUE file whose top-level fields constrain the
// top-level keys of the state, for example:
//
//	coins?:      int & >=0
//	languageId?: "en" | "vi" | "my"
//
// Top-level structs are open, so keys the schema does not mention are
// accepted.
package schema

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/vannguyen-14/client-matino/internal/jsondoc"
)

// Validator holds a compiled schema.
//
// Validate may be called concurrently. A cue.Context is not safe for
// concurrent use, so each call borrows its own context and compiled schema
// from a pool.
type Validator struct {
	name string
	src  []byte
	pool sync.Pool
}

// instance is a schema compiled into its own cue.Context.
type instance struct {
	ctx    *cue.Context
	schema cue.Value
}

// Load compiles the schema file at path.
func Load(path string) (*Validator, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema: %w", err)
	}
	return Compile(path, src)
}

// Compile compiles src, naming it filename in error positions.
func Compile(filename string, src []byte) (*Validator, error) {
	first, err := compile(filename, src)
	if err != nil {
		return nil, err
	}
	v := &Validator{name: filename, src: src}
	v.pool.New = func() any {
		// src compiled once already, so later compiles cannot fail.
		inst, err := compile(v.name, v.src)
		if err != nil {
			return nil
		}
		return inst
	}
	v.pool.Put(first)
	return v, nil
}

func compile(filename string, src []byte) (*instance, error) {
	ctx := cuecontext.New()
	val := ctx.CompileBytes(src, cue.Filename(filename))
	if err := val.Err(); err != nil {
		return nil, fmt.Errorf("compile schema: %w", formatCUEError(err))
	}
	if val.IncompleteKind() != cue.StructKind {
		return nil, fmt.Errorf("compile schema: %s must describe an object, got %s", filename, val.IncompleteKind())
	}
	return &instance{ctx: ctx, schema: val}, nil
}

// Name returns the file name the schema was compiled from.
func (v *Validator) Name() string {
	return v.name
}

// Validate unifies doc with the schema. The returned error is a
// *ValidationError locating the first violation.
func (v *Validator) Validate(doc jsondoc.Document) error {
	data, err := jsondoc.Marshal(doc)
	if err != nil {
		return err
	}

	inst, _ := v.pool.Get().(*instance)
	if inst == nil {
		return fmt.Errorf("compile schema: %s", v.name)
	}
	defer v.pool.Put(inst)

	return inst.validate(data)
}

func (inst *instance) validate(data []byte) error {
	val := inst.ctx.CompileBytes(data, cue.Filename("state.json"))
	if err := val.Err(); err != nil {
		return formatCUEError(err)
	}
	if err := inst.schema.Unify(val).Validate(cue.Concrete(true)); err != nil {
		return formatCUEError(err)
	}
	return nil
}

// ValidationError is a schema violation.
type ValidationError struct {
	// Path is the dotted path of the offending value, empty for the root.
	Path string

	Message string

	// Pos is the schema or document position CUE reported, if any.
	Pos token.Pos

	// Count is the total number of violations found.
	Count int
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	if e.Path != "" {
		b.WriteString(e.Path)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	if e.Pos.IsValid() {
		fmt.Fprintf(&b, " (%s:%d:%d)", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column())
	}
	if e.Count > 1 {
		fmt.Fprintf(&b, " and %d more", e.Count-1)
	}
	return b.String()
}

// formatCUEError reduces a CUE error list to its first entry.
func formatCUEError(err error) error {
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	first := errs[0]
	format, args := first.Msg()
	ve := &ValidationError{
		Path:    strings.Join(first.Path(), "."),
		Message: fmt.Sprintf(format, args...),
		Count:   len(errs),
	}
	if positions := errors.Positions(first); len(positions) > 0 {
		ve.Pos = positions[0]
	}
	return ve
}
