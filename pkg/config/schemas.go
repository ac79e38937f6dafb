package config

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// Built-in schema names.
const (
	SchemaResource     = "resource"
	SchemaPackage      = "package"
	SchemaService      = "service"
	SchemaGuard        = "guard"
	SchemaNotification = "notification"
)

// SchemaRegistry manages CUE schemas for validation.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a new schema registry with built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	return newSchemaRegistry(cuecontext.New())
}

func newSchemaRegistry(ctx *cue.Context) *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     ctx,
		schemas: make(map[string]cue.Value),
	}

	builtins := ctx.CompileString(builtinSchemas, cue.Filename("schemas.cue"))
	if err := builtins.Err(); err != nil {
		panic(fmt.Sprintf("built-in schemas do not compile: %v", err))
	}
	for name, def := range map[string]string{
		SchemaResource:     "#Resource",
		SchemaPackage:      "#Package",
		SchemaService:      "#Service",
		SchemaGuard:        "#Guard",
		SchemaNotification: "#Notification",
	} {
		sr.schemas[name] = builtins.LookupPath(cue.ParsePath(def))
	}
	return sr
}

// RegisterSchema compiles schema and registers the definition named def
// under name. A schema for a resource type is registered under the type name.
func (sr *SchemaRegistry) RegisterSchema(name, schema, def string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(schema)
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}
	v := val.LookupPath(cue.ParsePath(def))
	if !v.Exists() {
		return fmt.Errorf("schema %s does not define %s", name, def)
	}

	sr.schemas[name] = v
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// ForType returns the schema for a resource type, falling back to the
// generic resource schema.
func (sr *SchemaRegistry) ForType(resourceType string) cue.Value {
	if v, ok := sr.GetSchema(resourceType); ok && resourceType != SchemaGuard && resourceType != SchemaNotification {
		return v
	}
	v, _ := sr.GetSchema(SchemaResource)
	return v
}

// Validate unifies val with the named schema and requires a concrete result.
func (sr *SchemaRegistry) Validate(schemaName string, val cue.Value) error {
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return fmt.Errorf("schema %s not found", schemaName)
	}
	return schema.Unify(val).Validate(cue.Concrete(true))
}

// ValidateAgainstSchema validates Go data against a named schema.
func (sr *SchemaRegistry) ValidateAgainstSchema(ctx context.Context, schemaName string, data interface{}) error {
	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}
	if err := sr.Validate(schemaName, dataVal); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}

// ListSchemas returns all registered schema names, sorted.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

const builtinSchemas = `
#Notification: {
	// Action run on the other resource
	action: string & !=""

	// Other end of the notification, as type[name]
	resource: string & =~"^[A-Za-z0-9_.:-]+\\[.+\\]$"

	timing?: "delay" | "delayed" | "immediate" | "immediately"
}

#Guard: {
	command?:     string & !=""
	starlark?:    string & !=""
	wasm?:        string & !=""
	cwd?:         string
	environment?: {[string]: string}

	// Seconds
	timeout?: int & >0
}

#Resource: {
	type:            string & =~"^[a-z][a-z0-9_]*$"
	name:            string & !=""
	action?:         string & =~"^[a-z_]+$"
	provider?:       string
	params?:         {[string]: _}
	supports?:       {[string]: bool}
	before?:         string
	noop?:           bool
	ignore_failure?: bool
	retries?:        int & >=0
	retry_delay?:    int & >=0
	only_if?:        [...#Guard]
	not_if?:         [...#Guard]
	notifies?:       [...#Notification]
	subscribes?:     [...#Notification]
}

#Package: #Resource & {
	type:    "package"
	action?: "nothing" | "install" | "upgrade" | "remove"
	params?: {
		package_name?: string & !=""
		version?:      string & !=""
		source?:       string
		options?:      string
		...
	}
}

#Service: #Resource & {
	type:    "service"
	action?: "nothing" | "enable" | "disable" | "start" | "stop" | "restart" | "reload"
	params?: {
		service_name?:    string & !=""
		pattern?:         string
		ps_command?:      string
		start_command?:   string
		stop_command?:    string
		restart_command?: string
		reload_command?:  string
		enable_variable?: string & =~"^[A-Za-z_][A-Za-z0-9_]*$"
		enable_flags?:    string
		...
	}
}
`
