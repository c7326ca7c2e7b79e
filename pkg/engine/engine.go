// Package engine is the incremental maintenance core: it accumulates
// source-row changes per transaction, plans the cascade of dependent
// refreshes at commit, and applies them under advisory locks so concurrent
// writers converge on documents identical to a full recompute.
package engine

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/tviewdb/pgtview/pkg/cache"
	"github.com/tviewdb/pgtview/pkg/catalog"
	"github.com/tviewdb/pgtview/pkg/config"
	"github.com/tviewdb/pgtview/pkg/graph"
	"github.com/tviewdb/pgtview/pkg/lock"
	"github.com/tviewdb/pgtview/pkg/patch"
)

// RefreshEvent summarizes one committed row refresh for subscribers.
type RefreshEvent struct {
	Entity string `json:"entity"`
	PK     int64  `json:"pk"`
	Op     string `json:"op"`
}

type Engine struct {
	pool    *pgxpool.Pool
	cfg     config.Config
	log     *zap.Logger
	store   *catalog.Store
	graphs  *graph.Manager
	locks   *lock.Manager
	applier *patch.Applier
	planner *planner

	defs      *cache.LRU[*catalog.Definition]
	relations *cache.LRU[string]

	mu        sync.RWMutex
	broadcast func([]RefreshEvent)
}

func New(pool *pgxpool.Pool, cfg config.Config, log *zap.Logger) *Engine {
	e := &Engine{
		pool:      pool,
		cfg:       cfg,
		log:       log,
		store:     catalog.NewStore(),
		locks:     lock.NewManager(cfg.LockTimeout(), log),
		applier:   patch.NewApplier(log, cfg.StatementCacheSize),
		defs:      cache.NewLRU[*catalog.Definition](cfg.RelationCacheSize),
		relations: cache.NewLRU[string](cfg.RelationCacheSize),
	}
	e.graphs = graph.NewManager(poolSource{e}, cfg.MaxDependencyDepth, cfg.GraphCacheSize)
	e.planner = &planner{
		graphs:     e.graphs,
		defs:       e,
		affected:   affectedBySQL,
		maxCascade: cfg.MaxCascadeDepth,
		log:        log,
	}
	return e
}

// SetBroadcast registers a hook invoked with the refresh summary after each
// successful commit.
func (e *Engine) SetBroadcast(fn func([]RefreshEvent)) {
	e.mu.Lock()
	e.broadcast = fn
	e.mu.Unlock()
}

func (e *Engine) publish(events []RefreshEvent) {
	if len(events) == 0 {
		return
	}
	e.mu.RLock()
	fn := e.broadcast
	e.mu.RUnlock()
	if fn != nil {
		fn(events)
	}
}

// Definition loads an entity's definition through the relation cache,
// revalidated only by DDL-driven invalidation.
func (e *Engine) Definition(ctx context.Context, entity string) (*catalog.Definition, error) {
	key := cache.Key("def", entity)
	if def, ok := e.defs.Get(key); ok {
		return def, nil
	}
	def, err := e.store.Load(ctx, e.pool, entity)
	if err != nil {
		return nil, err
	}
	e.defs.Put(key, def)
	return def, nil
}

// List returns every definition, unordered reads served from the catalog.
func (e *Engine) List(ctx context.Context) ([]catalog.Definition, error) {
	return e.store.List(ctx, e.pool)
}

// EntityForRelation maps a conventional relation name (tb_x, v_x, tv_x) to
// its tracked entity. ok is false for relations no tview depends on.
func (e *Engine) EntityForRelation(ctx context.Context, relation string) (string, bool, error) {
	entity, ok := catalog.EntityOfRelation(relation)
	if !ok {
		return "", false, nil
	}
	key := cache.Key("rel", relation)
	if cached, hit := e.relations.Get(key); hit {
		return cached, cached != "", nil
	}
	exists, err := e.store.Exists(ctx, e.pool, entity)
	if err != nil {
		return "", false, err
	}
	if !exists {
		e.relations.Put(key, "")
		return "", false, nil
	}
	e.relations.Put(key, entity)
	return entity, true, nil
}

// invalidate drops all derived caches after DDL.
func (e *Engine) invalidate() {
	e.defs.Purge()
	e.relations.Purge()
	e.graphs.InvalidateAll()
}

// Resolve exposes dependency resolution (cycle and depth checks included).
func (e *Engine) Resolve(ctx context.Context, entity string) (*graph.Resolution, error) {
	return e.graphs.Resolve(ctx, entity)
}

// RefreshEntity rebuilds an entity's whole materialization from its view.
// Used by operators after out-of-band bulk loads.
func (e *Engine) RefreshEntity(ctx context.Context, entity string) error {
	def, err := e.Definition(ctx, entity)
	if err != nil {
		return err
	}
	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning rebuild of %s: %w", entity, err)
	}
	defer tx.Rollback(ctx)

	cols := strings.Join(append([]string{def.PKColumn, def.IDColumn, def.PayloadColumn}, def.FKColumns...), ", ")
	if _, err := tx.Exec(ctx, fmt.Sprintf("DELETE FROM %s", def.TableName())); err != nil {
		return fmt.Errorf("clearing %s: %w", def.TableName(), err)
	}
	insert := fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s",
		def.TableName(), cols, cols, def.ViewName())
	if _, err := tx.Exec(ctx, insert); err != nil {
		return fmt.Errorf("rebuilding %s: %w", def.TableName(), err)
	}
	return tx.Commit(ctx)
}

// poolSource backs the graph manager with pool-scoped catalog reads.
type poolSource struct{ e *Engine }

func (s poolSource) Definition(ctx context.Context, entity string) (*catalog.Definition, error) {
	return s.e.Definition(ctx, entity)
}

func (s poolSource) Definitions(ctx context.Context) ([]catalog.Definition, error) {
	return s.e.store.List(ctx, s.e.pool)
}

var entityNameRE = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

func validEntityName(entity string) error {
	if !entityNameRE.MatchString(entity) || len(entity) > 48 {
		return fmt.Errorf("invalid entity name %q", entity)
	}
	return nil
}
