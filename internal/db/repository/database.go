package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"sqllab/internal/db/crypto"
	"sqllab/internal/domain"
)

var _ domain.DatabaseRepository = (*DatabaseRepo)(nil)

const databaseColumns = `id, database_name, engine, sqlalchemy_uri, force_ctas_schema, allow_run_async,
	allow_ctas, allow_cvas, allow_dml, expose_in_sqllab, extra_json, created_at, updated_at`

// DatabaseRepo stores registered databases. Connection URIs are sealed when
// an encryptor is configured.
type DatabaseRepo struct {
	db  *sql.DB
	enc *crypto.Encryptor
}

// NewDatabaseRepo creates a new DatabaseRepo.
func NewDatabaseRepo(db *sql.DB) *DatabaseRepo {
	return &DatabaseRepo{db: db}
}

// SetEncryptor enables URI encryption at rest.
func (r *DatabaseRepo) SetEncryptor(enc *crypto.Encryptor) {
	r.enc = enc
}

// FindByID returns the database, or nil when it is not registered.
func (r *DatabaseRepo) FindByID(ctx context.Context, id int64) (*domain.Database, error) {
	d, err := r.scanOne(r.db.QueryRowContext(ctx, `SELECT `+databaseColumns+` FROM dbs WHERE id = ?`, id))
	var notFound *domain.NotFoundError
	if errors.As(err, &notFound) {
		return nil, nil
	}
	return d, err
}

// Create registers a database.
func (r *DatabaseRepo) Create(ctx context.Context, d *domain.Database) (*domain.Database, error) {
	if d == nil || d.Name == "" || d.Engine == "" {
		return nil, domain.ErrValidation("database name and engine are required")
	}
	uri := d.URI
	if r.enc != nil {
		sealed, err := r.enc.Encrypt(uri)
		if err != nil {
			return nil, fmt.Errorf("encrypt uri: %w", err)
		}
		uri = sealed
	}
	extra, err := marshalExtra(d.Extra)
	if err != nil {
		return nil, err
	}
	var forceSchema sql.NullString
	if d.ForceCTASSchema != "" {
		forceSchema = sql.NullString{String: d.ForceCTASSchema, Valid: true}
	}

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO dbs (database_name, engine, sqlalchemy_uri, force_ctas_schema, allow_run_async,
			allow_ctas, allow_cvas, allow_dml, expose_in_sqllab, extra_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, d.Name, d.Engine, uri, forceSchema, boolToInt(d.AllowRunAsync), boolToInt(d.AllowCTAS),
		boolToInt(d.AllowCVAS), boolToInt(d.AllowDML), boolToInt(d.ExposeInSQLLab), extra)
	if err != nil {
		return nil, mapDBError(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	created, err := r.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if created == nil {
		return nil, domain.ErrNotFound("database %d not found", id)
	}
	return created, nil
}

// List returns every registered database ordered by name.
func (r *DatabaseRepo) List(ctx context.Context) ([]domain.Database, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+databaseColumns+` FROM dbs ORDER BY database_name`)
	if err != nil {
		return nil, mapDBError(err)
	}
	defer rows.Close() //nolint:errcheck

	var out []domain.Database
	for rows.Next() {
		d, err := r.scanOne(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

func (r *DatabaseRepo) scanOne(row rowScanner) (*domain.Database, error) {
	var (
		d                                domain.Database
		forceSchema, extraJSON           sql.NullString
		allowAsync, allowCTAS, allowCVAS int64
		allowDML, expose                 int64
		createdAt, updatedAt             time.Time
	)
	err := row.Scan(&d.ID, &d.Name, &d.Engine, &d.URI, &forceSchema, &allowAsync,
		&allowCTAS, &allowCVAS, &allowDML, &expose, &extraJSON, &createdAt, &updatedAt)
	if err != nil {
		return nil, mapDBError(err)
	}
	if r.enc != nil {
		plain, err := r.enc.Decrypt(d.URI)
		if err != nil {
			return nil, fmt.Errorf("decrypt uri for database %d: %w", d.ID, err)
		}
		d.URI = plain
	}
	d.ForceCTASSchema = forceSchema.String
	d.AllowRunAsync = allowAsync != 0
	d.AllowCTAS = allowCTAS != 0
	d.AllowCVAS = allowCVAS != 0
	d.AllowDML = allowDML != 0
	d.ExposeInSQLLab = expose != 0
	d.CreatedAt = createdAt
	d.UpdatedAt = updatedAt
	d.Extra, err = unmarshalExtra(extraJSON)
	if err != nil {
		return nil, err
	}
	return &d, nil
}
