package policy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// LoadPaths compiles and registers every .rego file found in the given
// files or directories. Directories are walked recursively; the policy
// name is the file name without extension.
func (e *Engine) LoadPaths(ctx context.Context, paths []string) error {
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return fmt.Errorf("failed to stat policy path %s: %w", path, err)
		}

		if !info.IsDir() {
			if err := e.loadFile(ctx, path); err != nil {
				return err
			}
			continue
		}

		err = filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || !strings.HasSuffix(p, ".rego") {
				return nil
			}
			return e.loadFile(ctx, p)
		})
		if err != nil {
			return fmt.Errorf("failed to walk policy directory %s: %w", path, err)
		}
	}
	return nil
}

func (e *Engine) loadFile(ctx context.Context, path string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read policy %s: %w", path, err)
	}

	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return e.AddPolicy(ctx, Policy{
		Name:    name,
		Rego:    string(content),
		Enabled: true,
	})
}
