package config

import (
	"fmt"
	"os"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"

	"github.com/stackform/stackform/pkg/engine"
)

// reserved resource-body fields that are not attributes.
const dependsOnField = "depends_on"

// Parser parses CUE declaration sources into engine resources.
type Parser struct {
	ctx *cue.Context
}

// NewParser creates a CUE parser.
func NewParser() *Parser {
	return &Parser{ctx: cuecontext.New()}
}

// Parse loads the sources (files or directories), unifies them into
// one configuration, and extracts the declared resources. Declaration
// order follows source order across files, which the planner uses to
// break ties between independent actions.
func (p *Parser) Parse(sources []string) (*ParseResult, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("no declaration sources provided")
	}

	result := &ParseResult{ParsedAt: time.Now().UTC()}

	var unified cue.Value
	for _, source := range sources {
		info, err := os.Stat(source)
		if err != nil {
			return nil, fmt.Errorf("failed to stat source %s: %w", source, err)
		}

		var val cue.Value
		var files []string
		var errs []ValidationError
		if info.IsDir() {
			val, files, errs = p.loadDirectory(source)
		} else {
			val, errs = p.loadFile(source)
			files = []string{source}
		}
		result.Errors = append(result.Errors, errs...)
		result.SourceFiles = append(result.SourceFiles, files...)

		if !val.Exists() {
			continue
		}
		if unified.Exists() {
			unified = unified.Unify(val)
		} else {
			unified = val
		}
	}
	if len(result.Errors) > 0 {
		return result, result.Err()
	}
	if !unified.Exists() {
		return result, nil
	}
	if err := unified.Err(); err != nil {
		result.Errors = append(result.Errors, convertCUEErrors(err)...)
		return result, result.Err()
	}

	p.extractResources(unified, result)
	if len(result.Errors) > 0 {
		return result, result.Err()
	}
	return result, nil
}

// loadDirectory loads a directory as one CUE package.
func (p *Parser) loadDirectory(dir string) (cue.Value, []string, []ValidationError) {
	instances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(instances) == 0 {
		return cue.Value{}, nil, []ValidationError{{
			File:    dir,
			Message: "no CUE files found",
		}}
	}

	inst := instances[0]
	if inst.Err != nil {
		return cue.Value{}, nil, convertCUEErrors(inst.Err)
	}

	val := p.ctx.BuildInstance(inst)
	if err := val.Err(); err != nil {
		return cue.Value{}, nil, convertCUEErrors(err)
	}

	var files []string
	for _, f := range inst.Files {
		if f.Filename != "" {
			files = append(files, f.Filename)
		}
	}
	return val, files, nil
}

// loadFile compiles one CUE file.
func (p *Parser) loadFile(path string) (cue.Value, []ValidationError) {
	content, err := os.ReadFile(path)
	if err != nil {
		return cue.Value{}, []ValidationError{{
			File:    path,
			Message: fmt.Sprintf("failed to read file: %v", err),
		}}
	}

	val := p.ctx.CompileString(string(content), cue.Filename(path))
	if err := val.Err(); err != nil {
		return cue.Value{}, convertCUEErrors(err)
	}
	return val, nil
}

// extractResources walks resources.<kind>.<name> and builds engine
// resources in source order.
func (p *Parser) extractResources(val cue.Value, result *ParseResult) {
	resourcesVal := val.LookupPath(cue.ParsePath("resources"))
	if !resourcesVal.Exists() {
		result.Errors = append(result.Errors, ValidationError{
			Path:    "resources",
			Message: "declaration has no resources block",
		})
		return
	}
	if resourcesVal.Kind() != cue.StructKind {
		result.Errors = append(result.Errors, ValidationError{
			Path:    "resources",
			Message: fmt.Sprintf("resources must be a struct of kinds, got %s", resourcesVal.Kind()),
		})
		return
	}

	declOrder := 0
	kinds, err := resourcesVal.Fields(cue.All())
	if err != nil {
		result.Errors = append(result.Errors, ValidationError{
			Path:    "resources",
			Message: err.Error(),
		})
		return
	}
	for kinds.Next() {
		kind := selectorString(kinds.Selector())
		names, err := kinds.Value().Fields(cue.All())
		if err != nil {
			result.Errors = append(result.Errors, ValidationError{
				Path:    "resources." + kind,
				Message: fmt.Sprintf("kind block must be a struct of names: %v", err),
			})
			continue
		}
		for names.Next() {
			name := selectorString(names.Selector())
			res, errs := p.extractResource(kind, name, names.Value(), declOrder)
			if len(errs) > 0 {
				result.Errors = append(result.Errors, errs...)
				continue
			}
			result.Resources = append(result.Resources, res)
			declOrder++
		}
	}
}

// extractResource decodes one resource body into attributes plus the
// reserved depends_on list.
func (p *Parser) extractResource(kind, name string, body cue.Value, declOrder int) (*engine.Resource, []ValidationError) {
	path := fmt.Sprintf("resources.%q.%s", kind, name)

	var raw map[string]any
	if err := body.Decode(&raw); err != nil {
		return nil, []ValidationError{{
			Path:    path,
			Message: fmt.Sprintf("failed to decode resource body: %v", err),
		}}
	}

	res := &engine.Resource{
		Identity:  engine.Identity{Kind: kind, Name: name},
		Attrs:     make(engine.Map),
		DeclOrder: declOrder,
	}

	var errs []ValidationError
	for key, value := range raw {
		if key == dependsOnField {
			deps, err := decodeDependsOn(value)
			if err != nil {
				errs = append(errs, ValidationError{
					Path:    path + "." + dependsOnField,
					Message: err.Error(),
				})
				continue
			}
			res.DependsOn = deps
			continue
		}

		attr, err := engine.DecodeValue(value)
		if err != nil {
			errs = append(errs, ValidationError{
				Path:    path + "." + key,
				Message: err.Error(),
			})
			continue
		}
		res.Attrs[key] = attr
	}
	if len(errs) > 0 {
		return nil, errs
	}
	return res, nil
}

func decodeDependsOn(value any) ([]engine.Identity, error) {
	items, ok := value.([]any)
	if !ok {
		return nil, fmt.Errorf("depends_on must be a list of identities")
	}
	deps := make([]engine.Identity, 0, len(items))
	for _, item := range items {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("depends_on entries must be strings, got %T", item)
		}
		id, err := engine.ParseIdentity(s)
		if err != nil {
			return nil, err
		}
		deps = append(deps, id)
	}
	return deps, nil
}

// selectorString returns the field name without CUE quoting.
func selectorString(sel cue.Selector) string {
	if sel.Type() == cue.StringLabel {
		return sel.Unquoted()
	}
	return sel.String()
}

// convertCUEErrors flattens a CUE error list into validation errors
// with positions.
func convertCUEErrors(err error) []ValidationError {
	var out []ValidationError
	for _, e := range cueerrors.Errors(err) {
		ve := ValidationError{Message: e.Error()}
		if pos := e.Position(); pos.IsValid() {
			ve.File = pos.Filename()
		}
		out = append(out, ve)
	}
	if len(out) == 0 {
		out = append(out, ValidationError{Message: err.Error()})
	}
	return out
}
