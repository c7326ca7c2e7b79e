package engine

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"go.uber.org/zap"

	"github.com/tviewdb/pgtview/pkg/catalog"
	"github.com/tviewdb/pgtview/pkg/graph"
	"github.com/tviewdb/pgtview/pkg/schema"
	"github.com/tviewdb/pgtview/pkg/tverr"
)

// CreateTView analyzes the defining query, validates the dependency graph,
// creates v_<entity> and tv_<entity>, and populates the initial
// materialization, all in one transaction: validation failures leave no
// objects behind.
func (e *Engine) CreateTView(ctx context.Context, entity, selectSQL string) (*catalog.Definition, error) {
	if err := validEntityName(entity); err != nil {
		return nil, err
	}
	def, err := schema.Analyze(entity, selectSQL)
	if err != nil {
		return nil, err
	}

	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning create of %s: %w", entity, err)
	}
	defer tx.Rollback(ctx)

	known, err := e.store.EntityNames(ctx, tx)
	if err != nil {
		return nil, err
	}
	for _, edge := range def.Edges {
		if !slices.Contains(known, edge.Ref) {
			suggestion, _ := catalog.Closest(edge.Ref, known)
			return nil, &tverr.DefinitionNotFoundError{Entity: edge.Ref, Suggestion: suggestion}
		}
	}

	if err := e.store.Insert(ctx, tx, def); err != nil {
		return nil, err
	}

	// cycle and depth validation sees the uncommitted definition through the
	// same transaction; a bad graph aborts before any object exists
	g := graph.NewManager(txSource{store: e.store, q: tx}, e.cfg.MaxDependencyDepth, 16)
	if _, err := g.Resolve(ctx, entity); err != nil {
		return nil, err
	}

	if _, err := tx.Exec(ctx, fmt.Sprintf("CREATE VIEW %s AS %s", def.ViewName(), def.SelectSQL)); err != nil {
		return nil, fmt.Errorf("creating view %s: %w", def.ViewName(), err)
	}

	cols := []string{
		fmt.Sprintf("%s bigint PRIMARY KEY", def.PKColumn),
		fmt.Sprintf("%s uuid NOT NULL", def.IDColumn),
		fmt.Sprintf("%s jsonb NOT NULL", def.PayloadColumn),
	}
	for _, fk := range def.FKColumns {
		cols = append(cols, fk+" bigint")
	}
	cols = append(cols, "updated_at timestamptz NOT NULL DEFAULT now()")
	create := fmt.Sprintf("CREATE TABLE %s (%s)", def.TableName(), strings.Join(cols, ", "))
	if _, err := tx.Exec(ctx, create); err != nil {
		return nil, fmt.Errorf("creating table %s: %w", def.TableName(), err)
	}

	// fk indexes back the affected-key lookups during cascades
	for _, fk := range def.FKColumns {
		idx := fmt.Sprintf("CREATE INDEX %s_%s_idx ON %s (%s)", def.TableName(), fk, def.TableName(), fk)
		if _, err := tx.Exec(ctx, idx); err != nil {
			return nil, fmt.Errorf("indexing %s.%s: %w", def.TableName(), fk, err)
		}
	}

	viewCols := strings.Join(append([]string{def.PKColumn, def.IDColumn, def.PayloadColumn}, def.FKColumns...), ", ")
	populate := fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s",
		def.TableName(), viewCols, viewCols, def.ViewName())
	if _, err := tx.Exec(ctx, populate); err != nil {
		return nil, fmt.Errorf("populating %s: %w", def.TableName(), err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing create of %s: %w", entity, err)
	}

	e.invalidate()
	for _, edge := range def.Edges {
		if !slices.Contains(def.FKColumns, catalog.FKColumn(edge.Ref)) {
			e.log.Warn("dependency has no fk column; cascades will scan every row",
				zap.String("entity", entity),
				zap.String("dependency", edge.Ref))
		}
	}
	e.log.Info("created tview",
		zap.String("entity", entity),
		zap.Int("dependencies", len(def.Edges)),
		zap.String("checksum", def.Checksum[:12]))
	return def, nil
}

// DropTView removes the entity's objects and metadata. Entities still
// embedded by other tviews cannot be dropped.
func (e *Engine) DropTView(ctx context.Context, entity string) error {
	if err := validEntityName(entity); err != nil {
		return err
	}
	dependents, err := e.graphs.Dependents(ctx, entity)
	if err != nil {
		return err
	}
	if len(dependents) > 0 {
		return fmt.Errorf("cannot drop %q: still referenced by %s", entity, strings.Join(dependents, ", "))
	}

	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning drop of %s: %w", entity, err)
	}
	defer tx.Rollback(ctx)

	if err := e.store.Delete(ctx, tx, entity); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, "DROP TABLE IF EXISTS "+catalog.TableName(entity)); err != nil {
		return fmt.Errorf("dropping table %s: %w", catalog.TableName(entity), err)
	}
	if _, err := tx.Exec(ctx, "DROP VIEW IF EXISTS "+catalog.ViewName(entity)); err != nil {
		return fmt.Errorf("dropping view %s: %w", catalog.ViewName(entity), err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing drop of %s: %w", entity, err)
	}

	e.invalidate()
	e.log.Info("dropped tview", zap.String("entity", entity))
	return nil
}

// txSource reads definitions through an open transaction so graph checks see
// uncommitted catalog rows.
type txSource struct {
	store *catalog.Store
	q     catalog.Querier
}

func (s txSource) Definition(ctx context.Context, entity string) (*catalog.Definition, error) {
	return s.store.Load(ctx, s.q, entity)
}

func (s txSource) Definitions(ctx context.Context) ([]catalog.Definition, error) {
	return s.store.List(ctx, s.q)
}
