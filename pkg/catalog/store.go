package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/tviewdb/pgtview/pkg/tverr"
)

// Querier is the subset of pgx both *pgxpool.Pool and pgx.Tx satisfy. Store
// methods take it explicitly so catalog reads inside an open transaction see
// that transaction's own writes.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store reads and writes tview_meta rows.
type Store struct{}

func NewStore() *Store { return &Store{} }

func (s *Store) Insert(ctx context.Context, q Querier, def *Definition) error {
	_, err := q.Exec(ctx, `
		INSERT INTO tview_meta
			(entity, select_sql, pk_column, id_column, payload_column, fk_columns, edges, checksum)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		def.Entity, def.SelectSQL, def.PKColumn, def.IDColumn, def.PayloadColumn,
		def.FKColumns, def.Edges, def.Checksum,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return &tverr.DefinitionExistsError{Entity: def.Entity}
	}
	if err != nil {
		return fmt.Errorf("inserting definition %q: %w", def.Entity, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, q Querier, entity string) error {
	tag, err := q.Exec(ctx, `DELETE FROM tview_meta WHERE entity = $1`, entity)
	if err != nil {
		return fmt.Errorf("deleting definition %q: %w", entity, err)
	}
	if tag.RowsAffected() == 0 {
		return &tverr.DefinitionNotFoundError{Entity: entity}
	}
	return nil
}

// Load fetches one definition. A missing entity yields DefinitionNotFoundError
// carrying the closest known entity name as a suggestion.
func (s *Store) Load(ctx context.Context, q Querier, entity string) (*Definition, error) {
	def := Definition{Entity: entity}
	err := q.QueryRow(ctx, `
		SELECT select_sql, pk_column, id_column, payload_column, fk_columns, edges, checksum
		FROM tview_meta WHERE entity = $1`, entity,
	).Scan(&def.SelectSQL, &def.PKColumn, &def.IDColumn, &def.PayloadColumn,
		&def.FKColumns, &def.Edges, &def.Checksum)
	if errors.Is(err, pgx.ErrNoRows) {
		names, listErr := s.EntityNames(ctx, q)
		if listErr != nil {
			return nil, &tverr.DefinitionNotFoundError{Entity: entity}
		}
		suggestion, _ := Closest(entity, names)
		return nil, &tverr.DefinitionNotFoundError{Entity: entity, Suggestion: suggestion}
	}
	if err != nil {
		return nil, fmt.Errorf("loading definition %q: %w", entity, err)
	}
	return &def, nil
}

func (s *Store) List(ctx context.Context, q Querier) ([]Definition, error) {
	rows, err := q.Query(ctx, `
		SELECT entity, select_sql, pk_column, id_column, payload_column, fk_columns, edges, checksum
		FROM tview_meta ORDER BY entity`)
	if err != nil {
		return nil, fmt.Errorf("listing definitions: %w", err)
	}
	defer rows.Close()

	var defs []Definition
	for rows.Next() {
		var def Definition
		if err := rows.Scan(&def.Entity, &def.SelectSQL, &def.PKColumn, &def.IDColumn,
			&def.PayloadColumn, &def.FKColumns, &def.Edges, &def.Checksum); err != nil {
			return nil, fmt.Errorf("scanning definition: %w", err)
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

func (s *Store) EntityNames(ctx context.Context, q Querier) ([]string, error) {
	rows, err := q.Query(ctx, `SELECT entity FROM tview_meta ORDER BY entity`)
	if err != nil {
		return nil, fmt.Errorf("listing entity names: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

// Exists reports whether an entity is defined without loading the full row.
func (s *Store) Exists(ctx context.Context, q Querier, entity string) (bool, error) {
	var one int
	err := q.QueryRow(ctx, `SELECT 1 FROM tview_meta WHERE entity = $1`, entity).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking definition %q: %w", entity, err)
	}
	return true, nil
}
