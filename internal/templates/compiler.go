// Package templates renders a package's hook and configuration templates
// into the service directory, touching a file only when its content changed.
package templates

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"text/template"

	"github.com/zeebo/blake3"

	"github.com/MrSnakeDoc/tend/internal/hooks"
	"github.com/MrSnakeDoc/tend/internal/logger"
	"github.com/MrSnakeDoc/tend/internal/utils"
)

const (
	hookMode   fs.FileMode = 0o755
	configMode fs.FileMode = 0o640
	dirMode    fs.FileMode = 0o755
)

// TemplateError reports one template that could not be compiled.
type TemplateError struct {
	Name string
	Op   string
	Err  error
}

func (e *TemplateError) Error() string {
	return fmt.Sprintf("template %s: %s: %v", e.Name, e.Op, e.Err)
}

func (e *TemplateError) Unwrap() error { return e.Err }

// Compiler owns the templates of one service.
type Compiler struct {
	pkgDir string
	svcDir string
	hooks  hooks.Set
	creds  utils.Credentials
	log    logger.Logger
}

// NewCompiler compiles templates from pkgDir/hooks and pkgDir/config into
// svcDir/hooks and svcDir/config.
func NewCompiler(pkgDir, svcDir string, set hooks.Set, creds utils.Credentials, log logger.Logger) *Compiler {
	return &Compiler{pkgDir: pkgDir, svcDir: svcDir, hooks: set, creds: creds, log: log}
}

// ConfigDir is where compiled configuration lands.
func (c *Compiler) ConfigDir() string {
	return filepath.Join(c.svcDir, "config")
}

// Compile renders every hook the package defines. The returned table is
// complete for hooks that compiled; failures are joined into the error and
// leave the rest unaffected.
func (c *Compiler) Compile(rc *RenderContext) (hooks.ChangeTable, error) {
	table := hooks.ChangeTable{}
	var errs []error
	c.hooks.Each(func(k hooks.Kind, dst string) {
		src := filepath.Join(c.pkgDir, "hooks", string(k))
		changed, err := c.compileOne(string(k), src, dst, rc, hookMode)
		if err != nil {
			c.log.Error("failed to compile hook", logger.String("hook", string(k)), logger.Error(err))
			errs = append(errs, err)
			return
		}
		if changed {
			c.log.Info("hook compiled", logger.String("hook", string(k)), logger.String("path", dst))
		}
		table[k] = changed
	})
	return table, errors.Join(errs...)
}

// CompileConfiguration renders every file under the package's config dir
// and reports whether any of them changed.
func (c *Compiler) CompileConfiguration(rc *RenderContext) (bool, error) {
	root := filepath.Join(c.pkgDir, "config")
	var (
		changed bool
		errs    []error
	)

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && path == root {
				return filepath.SkipDir
			}
			errs = append(errs, &TemplateError{Name: path, Op: "walk", Err: err})
			return nil
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			errs = append(errs, &TemplateError{Name: path, Op: "walk", Err: err})
			return nil
		}
		dst := filepath.Join(c.ConfigDir(), rel)
		fileChanged, err := c.compileOne(rel, path, dst, rc, configMode)
		if err != nil {
			c.log.Error("failed to compile config", logger.String("template", rel), logger.Error(err))
			errs = append(errs, err)
			return nil
		}
		if fileChanged {
			c.log.Info("config compiled", logger.String("template", rel), logger.String("path", dst))
			changed = true
		}
		return nil
	})
	if err != nil {
		errs = append(errs, err)
	}
	return changed, errors.Join(errs...)
}

func (c *Compiler) compileOne(name, src, dst string, rc *RenderContext, mode fs.FileMode) (bool, error) {
	raw, err := os.ReadFile(src)
	if err != nil {
		return false, &TemplateError{Name: name, Op: "read", Err: err}
	}
	out, err := Render(name, string(raw), rc)
	if err != nil {
		return false, &TemplateError{Name: name, Op: "render", Err: err}
	}
	changed, err := c.writeIfChanged(dst, out, mode)
	if err != nil {
		return false, &TemplateError{Name: name, Op: "write", Err: err}
	}
	return changed, nil
}

// Render executes a single template.
func Render(name, text string, rc *RenderContext) ([]byte, error) {
	tmpl, err := template.New(name).Funcs(funcMap()).Parse(text)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, rc); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// writeIfChanged persists data at dst unless dst already holds the same
// content.
func (c *Compiler) writeIfChanged(dst string, data []byte, mode fs.FileMode) (bool, error) {
	existing, err := os.ReadFile(dst)
	switch {
	case err == nil:
		if blake3.Sum256(existing) == blake3.Sum256(data) {
			return false, nil
		}
	case !errors.Is(err, fs.ErrNotExist):
		return false, err
	}

	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, dirMode); err != nil {
		return false, err
	}
	if err := c.creds.Chown(dir); err != nil {
		return false, err
	}
	if err := WriteFileAtomic(dst, data, mode); err != nil {
		return false, err
	}
	if err := c.creds.Chown(dst); err != nil {
		return false, err
	}
	return true, nil
}

// WriteFileAtomic writes data next to path and renames it into place.
func WriteFileAtomic(path string, data []byte, mode fs.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(data); err != nil {
		utils.Close(tmp)
		return err
	}
	if err := tmp.Chmod(mode); err != nil {
		utils.Close(tmp)
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
