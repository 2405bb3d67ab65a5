// Package tool implements the internal tool reflection of spec.md §4.7:
// methods on an agent's host type can be decorated as Genesis tools,
// their parameter schema synthesized once from a plain Go argument struct
// and cached for the class's lifetime, then invoked directly in-process
// without ever touching the bus.
//
// Grounded on the teacher's pkg/tool/functiontool/schema.go
// (invopop/jsonschema reflection, RequiredFromJSONSchemaTags,
// ExpandedStruct, stripping $schema/$id) generalized from a single
// generic-function-tool constructor to a per-instance method registry, and
// on original_source/genesis_lib/decorators.py's explicit decorator text for
// descriptions. A tool's description is exactly the text passed to
// Register; there is no fallback to structured documentation.
package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sync"

	"github.com/invopop/jsonschema"
)

// Error is the typed error this package returns.
type Error struct {
	Action  string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[tool:%s] %s: %v", e.Action, e.Message, e.Err)
	}
	return fmt.Sprintf("[tool:%s] %s", e.Action, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Method is a reflected internal tool: name, description, its synthesized
// schema, and the bound invocation. Args is a pointer to a zero-value of
// the method's argument struct; the orchestrator uses its type to decode
// LLM-supplied arguments before calling Invoke.
type Method struct {
	Name        string
	Description string
	Schema      map[string]any
	Args        any
	Invoke      func(ctx context.Context, args any) (any, error)
}

// reflector is shared across every schema generation call, matching the
// teacher's package-level *jsonschema.Reflector in functiontool/schema.go.
var reflector = &jsonschema.Reflector{
	RequiredFromJSONSchemaTags: true,
	ExpandedStruct:             true,
	DoNotReference:             true,
}

// generateSchema reflects argsType (a struct type, not a pointer) into the
// JSON-Schema map spec.md §4.7 requires: scalars to primitives, slices to
// array+items, string-keyed maps to object+additionalProperties, pointer
// fields to nullable, fields without a `jsonschema:"required"` are not in
// the required list.
func generateSchema(argsType reflect.Type) (map[string]any, error) {
	schema := reflector.ReflectFromType(argsType)
	m, err := schemaToMap(schema)
	if err != nil {
		return nil, &Error{Action: "generateSchema", Message: "failed to convert reflected schema to map", Err: err}
	}
	delete(m, "$schema")
	delete(m, "$id")
	return m, nil
}

// schemaToMap marshals a reflected schema to a plain map[string]any, the
// shape the orchestrator's tool-call validation and the LLM adapter both
// consume, following the teacher's functiontool/schema.go schemaToMap.
func schemaToMap(schema *jsonschema.Schema) (map[string]any, error) {
	data, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	var result map[string]any
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// Class is a cache of reflected Method descriptors, matching spec.md §4.7's
// "generated schema is cached once per class lifetime": each schema is
// generated once, in Register, and reused by every later List, Lookup and
// Invoke on that Class. Nothing is shared between Class values, even for
// the same Go type.
type Class struct {
	mu      sync.RWMutex
	methods map[string]Method
	order   []string
}

// NewClass creates an empty reflection cache for one host type.
func NewClass() *Class {
	return &Class{methods: make(map[string]Method)}
}

// Register decorates a method as an internal Genesis tool. name and
// description are stored as given; an empty description stays empty.
// argsType is the method's parameter struct type: its schema is reflected
// here and a fresh zero value of it is stored as Method.Args; fn is the
// bound invocation closing over the receiving instance.
func (c *Class) Register(name, description string, argsType reflect.Type, fn func(ctx context.Context, args any) (any, error)) error {
	if name == "" {
		return &Error{Action: "Register", Message: "tool name cannot be empty"}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.methods[name]; exists {
		return &Error{Action: "Register", Message: "tool " + name + " already registered"}
	}

	schema, err := generateSchema(argsType)
	if err != nil {
		return err
	}

	c.methods[name] = Method{
		Name:        name,
		Description: description,
		Schema:      schema,
		Args:        reflect.New(argsType).Interface(),
		Invoke:      fn,
	}
	c.order = append(c.order, name)
	return nil
}

// List returns every registered Method in registration order, the shape
// the orchestrator's tool-set assembly (spec.md §4.5 step 5) folds into the
// uniform {name, description, parameters} tool list alongside external
// functions and peer-agent tools.
func (c *Class) List() []Method {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Method, 0, len(c.order))
	for _, name := range c.order {
		out = append(out, c.methods[name])
	}
	return out
}

// Descriptor is a read-only view of a registered Method with its
// invocation closure stripped out — the introspection shape
// original_source/genesis_lib/debug_method_resolution.py produces when it
// inspects which tools a class exposes, without granting the ability to
// call them.
type Descriptor struct {
	Name        string
	Description string
	Schema      map[string]any
}

// Describe returns every registered tool's name/description/schema, in
// registration order, for callers building introspection or diagnostic
// tooling (e.g. a "what tools does this agent expose" report) without
// handing out the Invoke closures List does.
func (c *Class) Describe() []Descriptor {
	methods := c.List()
	out := make([]Descriptor, len(methods))
	for i, m := range methods {
		out[i] = Descriptor{Name: m.Name, Description: m.Description, Schema: m.Schema}
	}
	return out
}

// Lookup finds a registered Method by name.
func (c *Class) Lookup(name string) (Method, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.methods[name]
	return m, ok
}

// Invoke calls name directly in-process — no bus hop, no RPC round trip,
// matching spec.md §4.7's "calls are direct in-process invocations on the
// agent instance".
func (c *Class) Invoke(ctx context.Context, name string, args any) (any, error) {
	m, ok := c.Lookup(name)
	if !ok {
		return nil, &Error{Action: "Invoke", Message: "internal tool " + name + " not registered"}
	}
	return m.Invoke(ctx, args)
}
