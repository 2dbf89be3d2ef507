package security

import (
	"context"
	"embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/casbin/casbin/v3"

	"sqllab/internal/dialect"
	"sqllab/internal/domain"
)

//go:embed model.conf policy.csv
var embedFS embed.FS

// Built-in roles and actions of the access model.
const (
	RoleAdmin  = "role:admin"
	RoleSQLLab = "role:sql_lab"

	ActionRead  = "read"
	ActionWrite = "write"
)

// AccessValidator decides whether a query's owner may run it against a
// database and schema. Users without an explicit role fall back to the
// default role.
type AccessValidator struct {
	mu          sync.RWMutex
	enforcer    *casbin.Enforcer
	defaultRole string
	logger      *slog.Logger
}

var _ domain.AccessValidator = (*AccessValidator)(nil)

// NewAccessValidator loads the embedded model and policy. extraPolicy, when
// non-empty, is the path of an additional policy CSV loaded on top.
func NewAccessValidator(defaultRole, extraPolicy string, logger *slog.Logger) (*AccessValidator, error) {
	dir, err := os.MkdirTemp("", "sqllab-casbin-*")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(dir)

	if err := writeEmbedToDir(dir, "model.conf", "policy.csv"); err != nil {
		return nil, err
	}
	modelPath := filepath.Join(dir, "model.conf")
	e, err := casbin.NewEnforcer(modelPath, filepath.Join(dir, "policy.csv"))
	if err != nil {
		return nil, fmt.Errorf("create enforcer: %w", err)
	}
	e.EnableAutoSave(false)

	v := &AccessValidator{enforcer: e, defaultRole: defaultRole, logger: logger.With("component", "access")}
	if extraPolicy != "" {
		if err := v.loadPolicyFile(modelPath, extraPolicy); err != nil {
			return nil, err
		}
	}
	return v, nil
}

func writeEmbedToDir(dir string, names ...string) error {
	for _, name := range names {
		data, err := embedFS.ReadFile(name)
		if err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o600); err != nil {
			return err
		}
	}
	return nil
}

// loadPolicyFile appends "p," and "g," lines from a CSV policy file.
func (v *AccessValidator) loadPolicyFile(modelPath, path string) error {
	extra, err := casbin.NewEnforcer(modelPath, path)
	if err != nil {
		return fmt.Errorf("load policy %s: %w", path, err)
	}
	policies, err := extra.GetPolicy()
	if err != nil {
		return err
	}
	for _, p := range policies {
		if _, err := v.enforcer.AddPolicy(p); err != nil {
			return err
		}
	}
	grouping, err := extra.GetGroupingPolicy()
	if err != nil {
		return err
	}
	for _, g := range grouping {
		if _, err := v.enforcer.AddGroupingPolicy(g); err != nil {
			return err
		}
	}
	return nil
}

// Subject returns the casbin subject for a user id.
func Subject(userID int64) string {
	return fmt.Sprintf("user:%d", userID)
}

// AssignRole adds userID to role.
func (v *AccessValidator) AssignRole(userID int64, role string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	_, err := v.enforcer.AddGroupingPolicy(Subject(userID), role)
	return err
}

// Grant allows sub to perform act on database/schema. "*" matches any.
func (v *AccessValidator) Grant(sub, database, schema, act string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	_, err := v.enforcer.AddPolicy(sub, database, schema, act)
	return err
}

// Validate implements domain.AccessValidator.
func (v *AccessValidator) Validate(ctx context.Context, q *domain.Query, db *domain.Database) error {
	if !db.ExposeInSQLLab {
		return domain.ErrQueryIsForbiddenToAccess("Database %q is not exposed in SQL Lab.", db.Name)
	}

	act := ActionRead
	if q.SelectAsCTA || dialect.IsMutating(q.SQL) {
		act = ActionWrite
	}
	schema := q.Schema
	if schema == "" {
		schema = "default"
	}

	subjects := []string{Subject(q.UserID)}
	if p, ok := domain.PrincipalFromContext(ctx); ok && p.IsAdmin && p.UserID == q.UserID {
		subjects = append(subjects, RoleAdmin)
	}

	v.mu.RLock()
	defer v.mu.RUnlock()

	roles, err := v.enforcer.GetRolesForUser(Subject(q.UserID))
	if err != nil {
		return fmt.Errorf("resolve roles: %w", err)
	}
	if len(roles) == 0 && v.defaultRole != "" {
		subjects = append(subjects, v.defaultRole)
	}

	for _, sub := range subjects {
		ok, err := v.enforcer.Enforce(sub, db.Name, schema, act)
		if err != nil {
			return fmt.Errorf("enforce access: %w", err)
		}
		if ok {
			return nil
		}
	}

	v.logger.Info("query access denied",
		"query_id", q.ID, "user_id", q.UserID, "database_id", db.ID, "schema", schema, "action", act)
	return domain.ErrQueryIsForbiddenToAccess(
		"You need %s access to database %q, schema %q to run this query.", act, db.Name, schema)
}
