package sqllab

import (
	"sqllab/internal/dialect"
	"sqllab/internal/domain"
)

// Limit is the outcome of limit negotiation. Value is zero when no limit
// applies.
type Limit struct {
	Value  int
	Factor domain.LimitingFactor
}

// NegotiateLimit picks the effective row limit between the caller's
// requested limit and the LIMIT written in the SQL. A requested limit <= 0
// means unlimited.
func NegotiateLimit(rendered string, requested int) Limit {
	sqlLimit, hasSQLLimit := dialect.LimitInSQL(rendered)

	if requested <= 0 {
		if hasSQLLimit {
			return Limit{Value: sqlLimit, Factor: domain.LimitingFactorQuery}
		}
		return Limit{Factor: domain.LimitingFactorNotLimited}
	}

	switch {
	case !hasSQLLimit || sqlLimit > requested:
		return Limit{Value: requested, Factor: domain.LimitingFactorDropdown}
	case sqlLimit < requested:
		return Limit{Value: sqlLimit, Factor: domain.LimitingFactorQuery}
	default:
		return Limit{Value: sqlLimit, Factor: domain.LimitingFactorQueryAndDropdown}
	}
}

// Patch returns the query fields recording l.
func (l Limit) Patch() domain.QueryPatch {
	p := domain.QueryPatch{LimitingFactor: domain.Ptr(l.Factor)}
	if l.Value > 0 {
		p.Limit = domain.Ptr(l.Value)
	}
	return p
}

// fetchLimit is the number of rows the engine reads for q, capped by the
// hard maximum.
func fetchLimit(q *domain.Query, maxRows int) int {
	if q.Limit == nil || *q.Limit <= 0 {
		return maxRows
	}
	if maxRows > 0 && *q.Limit > maxRows {
		return maxRows
	}
	return *q.Limit
}
