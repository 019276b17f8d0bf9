package config

import (
	"fmt"
	"time"

	"github.com/stackform/stackform/pkg/engine"
)

// ValidationError is one problem found while parsing declarations,
// tied to its source position where CUE provides one.
type ValidationError struct {
	// File is the source file the error was found in.
	File string `json:"file,omitempty"`

	// Path is the CUE path to the offending value.
	Path string `json:"path,omitempty"`

	// Message describes the problem.
	Message string `json:"message"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	switch {
	case e.File != "" && e.Path != "":
		return fmt.Sprintf("%s: %s: %s", e.File, e.Path, e.Message)
	case e.File != "":
		return fmt.Sprintf("%s: %s", e.File, e.Message)
	case e.Path != "":
		return fmt.Sprintf("%s: %s", e.Path, e.Message)
	default:
		return e.Message
	}
}

// ParseResult is the outcome of parsing one set of declaration sources.
type ParseResult struct {
	// Resources are the declared resources in declaration order.
	Resources []*engine.Resource `json:"resources"`

	// SourceFiles lists the files that contributed.
	SourceFiles []string `json:"source_files"`

	// ParsedAt is when parsing finished.
	ParsedAt time.Time `json:"parsed_at"`

	// Errors collects every validation problem; a non-empty list means
	// Resources is unusable.
	Errors []ValidationError `json:"errors,omitempty"`
}

// Err folds the collected validation errors into a single error, nil
// when parsing succeeded.
func (r *ParseResult) Err() error {
	switch len(r.Errors) {
	case 0:
		return nil
	case 1:
		return r.Errors[0]
	default:
		return fmt.Errorf("%s (and %d more errors)", r.Errors[0].Error(), len(r.Errors)-1)
	}
}
