package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
	"github.com/go-playground/validator/v10"
)

// Loader reads resource declarations from CUE sources.
//
// Declarations live under the top-level resources field, either as a list
// or as a struct keyed by type[name]. Order of declaration is preserved in
// both forms.
type Loader struct {
	ctx       *cue.Context
	schemas   *SchemaRegistry
	validator *validator.Validate
}

// NewLoader creates a new declaration loader.
func NewLoader() *Loader {
	ctx := cuecontext.New()
	return &Loader{
		ctx:       ctx,
		schemas:   newSchemaRegistry(ctx),
		validator: validator.New(),
	}
}

// Schemas returns the schema registry.
func (l *Loader) Schemas() *SchemaRegistry {
	return l.schemas
}

// Load parses CUE files and directories. Syntax and schema problems are
// reported in ParsedConfig.Errors; the returned error is reserved for
// unreadable sources.
func (l *Loader) Load(ctx context.Context, sources []string) (*ParsedConfig, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("no sources provided")
	}

	var cueValue cue.Value
	var sourceFiles []string
	var parseErrors []ValidationError

	for _, source := range sources {
		info, err := os.Stat(source)
		if err != nil {
			return nil, fmt.Errorf("failed to stat source %s: %w", source, err)
		}

		var val cue.Value
		var errs []ValidationError
		if info.IsDir() {
			var files []string
			val, files, errs = l.loadDirectory(source)
			sourceFiles = append(sourceFiles, files...)
		} else {
			val, errs = l.loadFile(source)
			sourceFiles = append(sourceFiles, source)
		}
		parseErrors = append(parseErrors, errs...)

		if val.Exists() {
			if cueValue.Exists() {
				cueValue = cueValue.Unify(val)
			} else {
				cueValue = val
			}
		}
	}

	if len(parseErrors) > 0 {
		return &ParsedConfig{SourceFiles: sourceFiles, ParsedAt: time.Now(), Errors: parseErrors}, nil
	}
	if err := cueValue.Err(); err != nil {
		return &ParsedConfig{SourceFiles: sourceFiles, ParsedAt: time.Now(), Errors: convertCUEErrors(err)}, nil
	}

	return l.extract(cueValue, sourceFiles), nil
}

// LoadInline parses inline CUE content.
func (l *Loader) LoadInline(ctx context.Context, content string) (*ParsedConfig, error) {
	val := l.ctx.CompileString(content, cue.Filename("inline.cue"))
	if err := val.Err(); err != nil {
		return &ParsedConfig{
			SourceFiles: []string{"inline"},
			ParsedAt:    time.Now(),
			Errors:      convertCUEErrors(err),
		}, nil
	}
	return l.extract(val, []string{"inline"}), nil
}

// loadDirectory loads a directory as a CUE package.
func (l *Loader) loadDirectory(dir string) (cue.Value, []string, []ValidationError) {
	buildInstances := load.Instances([]string{dir}, nil)
	if len(buildInstances) == 0 {
		return cue.Value{}, nil, []ValidationError{{File: dir, Message: "no CUE files found", Severity: "error"}}
	}

	inst := buildInstances[0]
	if inst.Err != nil {
		return cue.Value{}, nil, convertCUEErrors(inst.Err)
	}

	val := l.ctx.BuildInstance(inst)
	if err := val.Err(); err != nil {
		return cue.Value{}, nil, convertCUEErrors(err)
	}

	var files []string
	for _, file := range inst.Files {
		if file.Filename != "" {
			files = append(files, file.Filename)
		}
	}
	return val, files, nil
}

// loadFile loads a single CUE file.
func (l *Loader) loadFile(path string) (cue.Value, []ValidationError) {
	content, err := os.ReadFile(path)
	if err != nil {
		return cue.Value{}, []ValidationError{{
			File:     path,
			Message:  fmt.Sprintf("failed to read file: %v", err),
			Severity: "error",
		}}
	}

	val := l.ctx.CompileString(string(content), cue.Filename(path))
	if err := val.Err(); err != nil {
		return cue.Value{}, convertCUEErrors(err)
	}
	return val, nil
}

// extract collects the declarations under resources.
func (l *Loader) extract(val cue.Value, sourceFiles []string) *ParsedConfig {
	parsed := &ParsedConfig{SourceFiles: sourceFiles, ParsedAt: time.Now()}
	fail := func(path, msg string) {
		parsed.Errors = append(parsed.Errors, ValidationError{Path: path, Message: msg, Severity: "error"})
	}

	resourcesVal := val.LookupPath(cue.ParsePath("resources"))
	if !resourcesVal.Exists() {
		return parsed
	}

	switch resourcesVal.IncompleteKind() {
	case cue.StructKind:
		iter, err := resourcesVal.Fields()
		if err != nil {
			fail("resources", fmt.Sprintf("failed to iterate resources: %v", err))
			return parsed
		}
		for iter.Next() {
			key := iter.Selector().Unquoted()
			path := fmt.Sprintf("resources[%q]", key)
			decl, errs := l.extractDeclaration(path, key, iter.Value())
			if len(errs) > 0 {
				parsed.Errors = append(parsed.Errors, errs...)
				continue
			}
			parsed.Resources = append(parsed.Resources, decl)
		}

	case cue.ListKind:
		list, err := resourcesVal.List()
		if err != nil {
			fail("resources", fmt.Sprintf("failed to list resources: %v", err))
			return parsed
		}
		for idx := 0; list.Next(); idx++ {
			decl, errs := l.extractDeclaration(fmt.Sprintf("resources[%d]", idx), "", list.Value())
			if len(errs) > 0 {
				parsed.Errors = append(parsed.Errors, errs...)
				continue
			}
			parsed.Resources = append(parsed.Resources, decl)
		}

	default:
		fail("resources", "resources must be a list or a struct")
	}
	return parsed
}

// extractDeclaration validates val against its type schema and decodes it.
// In the struct form key is type[name] and fills in missing identity fields.
func (l *Loader) extractDeclaration(path, key string, val cue.Value) (Declaration, []ValidationError) {
	var decl Declaration

	if key != "" {
		t, name, ok := splitKey(key)
		if !ok {
			return decl, []ValidationError{{Path: path, Message: fmt.Sprintf("resource key %q must be type[name]", key), Severity: "error"}}
		}
		if !val.LookupPath(cue.ParsePath("type")).Exists() {
			val = val.FillPath(cue.ParsePath("type"), t)
		}
		if !val.LookupPath(cue.ParsePath("name")).Exists() {
			val = val.FillPath(cue.ParsePath("name"), name)
		}
	}

	resourceType, _ := val.LookupPath(cue.ParsePath("type")).String()
	if err := l.schemas.ForType(resourceType).Unify(val).Validate(cue.Concrete(true)); err != nil {
		errs := convertCUEErrors(err)
		for i := range errs {
			errs[i].Path = path
		}
		return decl, errs
	}

	if err := val.Decode(&decl); err != nil {
		return decl, []ValidationError{{Path: path, Message: fmt.Sprintf("failed to decode resource: %v", err), Severity: "error"}}
	}
	if err := l.validator.Struct(decl); err != nil {
		return decl, []ValidationError{{Path: path, Message: fmt.Sprintf("validation failed: %v", err), Severity: "error"}}
	}

	if pos := val.Pos(); pos.IsValid() {
		decl.SourceLine = fmt.Sprintf("%s:%d", pos.Filename(), pos.Line())
	}
	return decl, nil
}

func splitKey(key string) (string, string, bool) {
	open := strings.Index(key, "[")
	if open <= 0 || !strings.HasSuffix(key, "]") || open == len(key)-2 {
		return "", "", false
	}
	return key[:open], key[open+1 : len(key)-1], true
}

// convertCUEErrors converts CUE errors to ValidationError slice.
func convertCUEErrors(err error) []ValidationError {
	var validationErrors []ValidationError

	for _, e := range errors.Errors(err) {
		var file string
		var line, column int
		if pos := errors.Positions(e); len(pos) > 0 {
			file = pos[0].Filename()
			line = pos[0].Line()
			column = pos[0].Column()
		}

		validationErrors = append(validationErrors, ValidationError{
			File:     file,
			Line:     line,
			Column:   column,
			Message:  errors.Details(e, nil),
			Severity: "error",
		})
	}
	return validationErrors
}

// FindSources expands directories into the .cue files they contain,
// sorted. Files are returned unchanged.
func FindSources(paths []string) ([]string, error) {
	var files []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, fmt.Errorf("failed to stat %s: %w", p, err)
		}
		if !info.IsDir() {
			files = append(files, p)
			continue
		}
		err = filepath.WalkDir(p, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() && strings.HasSuffix(path, ".cue") {
				files = append(files, path)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to walk directory: %w", err)
		}
	}
	sort.Strings(files)
	return files, nil
}
