// Package hooks loads operator-supplied Starlark callables that customise
// SQL Lab: the CTAS target schema and the tracking URL rewrite.
package hooks

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/syntax"

	"sqllab/internal/domain"
)

const (
	defaultMaxSteps = uint64(50_000)
	defaultTimeout  = 2 * time.Second
	maxModuleBytes  = 256 * 1024
)

// Function names looked up in hook modules.
const (
	CTASSchemaNameFunc = "ctas_schema_name"
	TransformFunc      = "transform"
)

// Module is a loaded Starlark file.
type Module struct {
	name     string
	globals  starlark.StringDict
	maxSteps uint64
	timeout  time.Duration
}

// LoadFile loads the module at path.
func LoadFile(path string) (*Module, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read hook module: %w", err)
	}
	return Load(filepath.Base(path), string(src))
}

// Load executes src as a Starlark module named name.
func Load(name, src string) (*Module, error) {
	if len(src) > maxModuleBytes {
		return nil, domain.ErrValidation("hook module %q exceeds %d bytes", name, maxModuleBytes)
	}
	m := &Module{name: name, maxSteps: defaultMaxSteps, timeout: defaultTimeout}
	thread := m.thread("load")
	if err := runWithTimeout(thread, m.timeout, func() error {
		globals, err := starlark.ExecFileOptions(&syntax.FileOptions{}, thread, name, src, nil)
		if err != nil {
			return err
		}
		m.globals = globals
		return nil
	}); err != nil {
		return nil, fmt.Errorf("load hook module %q: %w", name, err)
	}
	return m, nil
}

// Has reports whether the module defines a callable fn.
func (m *Module) Has(fn string) bool {
	v, ok := m.globals[fn]
	if !ok {
		return false
	}
	_, ok = v.(starlark.Callable)
	return ok
}

func (m *Module) thread(purpose string) *starlark.Thread {
	t := &starlark.Thread{Name: m.name + ":" + purpose}
	t.SetMaxExecutionSteps(m.maxSteps)
	return t
}

// call invokes fn and returns its string result. None yields "".
func (m *Module) call(fn string, args starlark.Tuple) (string, error) {
	callable, ok := m.globals[fn].(starlark.Callable)
	if !ok {
		return "", domain.ErrValidation("hook module %q does not define %s", m.name, fn)
	}
	thread := m.thread(fn)
	var result starlark.Value
	if err := runWithTimeout(thread, m.timeout, func() error {
		v, err := starlark.Call(thread, callable, args, nil)
		if err != nil {
			return err
		}
		result = v
		return nil
	}); err != nil {
		return "", fmt.Errorf("%s: %w", fn, err)
	}
	if result == starlark.None {
		return "", nil
	}
	s, ok := starlark.AsString(result)
	if !ok {
		return "", domain.ErrValidation("%s must return a string or None, got %s", fn, result.Type())
	}
	return s, nil
}

// CTASSchemaName calls ctas_schema_name(database, user, schema, sql). The
// database and user arguments are dicts.
func (m *Module) CTASSchemaName(d *domain.Database, userID int64, schema, sql string) (string, error) {
	db := starlark.NewDict(3)
	_ = db.SetKey(starlark.String("id"), starlark.MakeInt64(d.ID))
	_ = db.SetKey(starlark.String("database_name"), starlark.String(d.Name))
	_ = db.SetKey(starlark.String("engine"), starlark.String(d.Engine))
	db.Freeze()

	user := starlark.NewDict(1)
	_ = user.SetKey(starlark.String("id"), starlark.MakeInt64(userID))
	user.Freeze()

	return m.call(CTASSchemaNameFunc, starlark.Tuple{db, user, starlark.String(schema), starlark.String(sql)})
}

// TransformTrackingURL calls transform(url, client_id).
func (m *Module) TransformTrackingURL(url, clientID string) (string, error) {
	return m.call(TransformFunc, starlark.Tuple{starlark.String(url), starlark.String(clientID)})
}

func runWithTimeout(thread *starlark.Thread, timeout time.Duration, fn func() error) error {
	if timeout <= 0 {
		return fn()
	}
	done := make(chan error, 1)
	go func() {
		done <- fn()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-timer.C:
		thread.Cancel("hook execution timed out")
		<-done
		return domain.ErrValidation("hook execution timed out after %s", timeout)
	}
}
