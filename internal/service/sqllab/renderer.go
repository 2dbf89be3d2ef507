package sqllab

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/flosch/pongo2/v6"

	"sqllab/internal/domain"
)

// Renderer substitutes template parameters into a query's SQL body.
type Renderer struct {
	queries domain.QueryRepository
	enabled bool
	set     *pongo2.TemplateSet
	logger  *slog.Logger
}

// NewRenderer creates a Renderer. When enabled is false SQL passes through
// untouched.
func NewRenderer(queries domain.QueryRepository, enabled bool, logger *slog.Logger) (*Renderer, error) {
	set := pongo2.NewSet("sqllab", pongo2.DefaultLoader)
	for _, tag := range []string{"extends", "import", "include", "ssi"} {
		if err := set.BanTag(tag); err != nil {
			return nil, fmt.Errorf("ban template tag %q: %w", tag, err)
		}
	}
	return &Renderer{queries: queries, enabled: enabled, set: set, logger: logger.With("component", "renderer")}, nil
}

// Render returns the rendered SQL of st.Query. Template failures mark the
// query FAILED before they are returned.
func (r *Renderer) Render(ctx context.Context, st *ExecutionState) (string, error) {
	rendered, sqlErr := r.render(st.Query.SQL, st.Request.TemplateParams, st.Query.UserID)
	if sqlErr != nil {
		st.Query = markFailed(ctx, r.queries, st.Query, sqlErr, r.logger)
		return "", sqlErr
	}
	return rendered, nil
}

func (r *Renderer) render(sql string, params map[string]any, userID int64) (string, *domain.SQLLabError) {
	if !r.enabled {
		return sql, nil
	}

	tpl, err := r.set.FromString("{% autoescape off %}" + sql + "{% endautoescape %}")
	if err != nil {
		return "", domain.ErrInvalidTemplateParams(err)
	}

	tctx := pongo2.Context{}
	for k, v := range params {
		tctx[k] = v
	}
	for k, v := range builtins(userID) {
		tctx[k] = v
	}

	var undefined []string
	for _, name := range undeclaredVariables(sql) {
		if _, ok := tctx[name]; !ok {
			undefined = append(undefined, name)
		}
	}
	if len(undefined) > 0 {
		return "", domain.ErrMissingTemplateParams(undefined, params)
	}

	out, err := tpl.Execute(tctx)
	if err != nil {
		return "", domain.ErrInvalidTemplateParams(err)
	}
	return out, nil
}

func builtins(userID int64) pongo2.Context {
	return pongo2.Context{
		"current_user_id": func() int64 { return userID },
	}
}
