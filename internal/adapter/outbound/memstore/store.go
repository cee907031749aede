// Package memstore is an in-memory backing store keyed by service and
// entity. It satisfies the resolver and executor ports and is the default
// backend for development and tests.
package memstore

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"dsmcp/internal/adapter/outbound/query"
	"dsmcp/internal/domain"
	"dsmcp/internal/usecase"

	"github.com/google/uuid"
)

// Store holds the data of every served service. All access goes through the
// store mutex; transactions stage a full snapshot and commit last-wins.
type Store struct {
	mu       sync.RWMutex
	logger   *slog.Logger
	services map[string]*service
}

type service struct {
	store *Store
	name  string
	model *domain.Model
	// entities maps qualified entity name to its rows.
	entities map[string][]map[string]any
	handlers map[string]usecase.OperationHandler
}

// New builds a store with one service per service definition in the model.
// Entities attach to the service their qualified name is nested under.
func New(model *domain.Model, logger *slog.Logger) *Store {
	s := &Store{
		logger:   logger.With(slog.String("component", "memstore")),
		services: map[string]*service{},
	}
	for name, def := range model.Definitions {
		if def.Kind != domain.KindService {
			continue
		}
		s.services[name] = &service{
			store:    s,
			name:     name,
			model:    model,
			entities: map[string][]map[string]any{},
			handlers: map[string]usecase.OperationHandler{},
		}
	}
	for name, def := range model.Definitions {
		if def.Kind != domain.KindEntity {
			continue
		}
		owner, _ := domain.SplitQualified(name)
		if svc, ok := s.services[owner]; ok {
			svc.entities[name] = nil
		}
	}
	return s
}

// Seed loads initial rows, keyed by qualified entity name. Rows belonging to
// no served entity are rejected.
func (s *Store) Seed(data map[string][]map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for entity, rows := range data {
		owner, _ := domain.SplitQualified(entity)
		svc, ok := s.services[owner]
		if !ok {
			return fmt.Errorf("seed data for %s: service %s is not served", entity, owner)
		}
		if _, ok := svc.entities[entity]; !ok {
			return fmt.Errorf("seed data for unknown entity %s", entity)
		}
		svc.entities[entity] = append(svc.entities[entity], cloneRows(rows)...)
	}
	return nil
}

// RegisterHandler binds an operation handler by its local name within the
// given service.
func (s *Store) RegisterHandler(serviceName, operation string, handler usecase.OperationHandler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	svc, ok := s.services[serviceName]
	if !ok {
		return fmt.Errorf("register handler %s: service %s is not served", operation, serviceName)
	}
	svc.handlers[operation] = handler
	return nil
}

// --- resolver port ---

func (s *Store) Resolve(serviceName string) (usecase.ServiceExecutor, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	svc, ok := s.services[serviceName]
	return svc, ok
}

func (s *Store) Known() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.services))
	for name := range s.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// --- executor port ---

func (svc *service) Query(ctx context.Context, user domain.Identity, q *query.Compiled) (*query.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	svc.store.mu.RLock()
	rows, ok := svc.entities[q.Entity]
	snapshot := cloneRows(rows)
	svc.store.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", usecase.ErrEntityNotFound, q.Entity)
	}
	return query.Apply(q, snapshot)
}

func (svc *service) Read(ctx context.Context, user domain.Identity, entity string, keys map[string]any) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	svc.store.mu.RLock()
	defer svc.store.mu.RUnlock()
	rows, ok := svc.entities[entity]
	if !ok {
		return nil, fmt.Errorf("%w: %s", usecase.ErrEntityNotFound, entity)
	}
	for _, row := range rows {
		if rowMatchesKeys(row, keys) {
			return cloneRow(row), nil
		}
	}
	return nil, nil
}

func (svc *service) Begin(ctx context.Context, user domain.Identity) (usecase.StoreTx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	svc.store.mu.RLock()
	staged := make(map[string][]map[string]any, len(svc.entities))
	for name, rows := range svc.entities {
		staged[name] = cloneRows(rows)
	}
	svc.store.mu.RUnlock()
	return &memTx{svc: svc, staged: staged}, nil
}

func (svc *service) Call(ctx context.Context, user domain.Identity, operation string, params map[string]any) (any, error) {
	svc.store.mu.RLock()
	handler, ok := svc.handlers[operation]
	svc.store.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("operation %s is not implemented by %s", operation, svc.name)
	}
	return handler(ctx, user, params)
}

// --- transaction ---

// memTx mutates a snapshot of the whole service and swaps it in on Commit.
// Concurrent transactions are last-commit-wins, which is sufficient for an
// in-memory development store.
type memTx struct {
	svc    *service
	staged map[string][]map[string]any
	done   bool
}

func (tx *memTx) Insert(ctx context.Context, entity string, data map[string]any) (map[string]any, error) {
	if err := tx.usable(ctx); err != nil {
		return nil, err
	}
	rows, ok := tx.staged[entity]
	if !ok {
		return nil, fmt.Errorf("%w: %s", usecase.ErrEntityNotFound, entity)
	}

	row := cloneRow(data)
	def := tx.svc.model.Definition(entity)
	if def != nil {
		applyGeneratedFields(def, row)
		if missing := missingRequired(def, row); len(missing) > 0 {
			return nil, fmt.Errorf("missing required field(s) for %s: %s",
				domain.ShortName(entity), strings.Join(missing, ", "))
		}
		keys := keyFields(def)
		if len(keys) > 0 {
			probe := map[string]any{}
			for _, k := range keys {
				probe[k] = row[k]
			}
			for _, existing := range rows {
				if rowMatchesKeys(existing, probe) {
					return nil, fmt.Errorf("duplicate key for %s", domain.ShortName(entity))
				}
			}
		}
	}
	tx.staged[entity] = append(rows, row)
	return cloneRow(row), nil
}

func (tx *memTx) Update(ctx context.Context, entity string, keys, data map[string]any) (map[string]any, error) {
	if err := tx.usable(ctx); err != nil {
		return nil, err
	}
	rows, ok := tx.staged[entity]
	if !ok {
		return nil, fmt.Errorf("%w: %s", usecase.ErrEntityNotFound, entity)
	}
	for i, row := range rows {
		if !rowMatchesKeys(row, keys) {
			continue
		}
		updated := cloneRow(row)
		for k, v := range data {
			updated[k] = v
		}
		rows[i] = updated
		return cloneRow(updated), nil
	}
	return nil, fmt.Errorf("no %s record matches the given keys", domain.ShortName(entity))
}

func (tx *memTx) Delete(ctx context.Context, entity string, keys map[string]any) error {
	if err := tx.usable(ctx); err != nil {
		return err
	}
	rows, ok := tx.staged[entity]
	if !ok {
		return fmt.Errorf("%w: %s", usecase.ErrEntityNotFound, entity)
	}
	for i, row := range rows {
		if rowMatchesKeys(row, keys) {
			tx.staged[entity] = append(rows[:i], rows[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("no %s record matches the given keys", domain.ShortName(entity))
}

func (tx *memTx) Commit(ctx context.Context) error {
	if err := tx.usable(ctx); err != nil {
		return err
	}
	tx.done = true
	tx.svc.store.mu.Lock()
	tx.svc.entities = tx.staged
	tx.svc.store.mu.Unlock()
	return nil
}

func (tx *memTx) Rollback(ctx context.Context) error {
	tx.done = true
	tx.staged = nil
	return nil
}

func (tx *memTx) usable(ctx context.Context) error {
	if tx.done {
		return fmt.Errorf("transaction already finished")
	}
	return ctx.Err()
}

// --- helpers ---

// applyGeneratedFields fills store-generated values: fresh UUIDs for
// UUID-typed keys and the current time for computed timestamp fields.
func applyGeneratedFields(def *domain.Definition, row map[string]any) {
	now := time.Now().UTC().Format(time.RFC3339)
	for name, el := range def.Elements {
		if _, present := row[name]; present {
			continue
		}
		switch {
		case el.Key && el.Type == domain.TypeUUID:
			row[name] = uuid.NewString()
		case el.Computed && (el.Type == domain.TypeTimestamp || el.Type == domain.TypeDateTime):
			row[name] = now
		}
	}
}

func missingRequired(def *domain.Definition, row map[string]any) []string {
	var missing []string
	for name, el := range def.Elements {
		if el.IsAssociation() || el.Computed {
			continue
		}
		if !el.Key && !el.NotNull {
			continue
		}
		if v, ok := row[name]; !ok || v == nil {
			missing = append(missing, name)
		}
	}
	sort.Strings(missing)
	return missing
}

func keyFields(def *domain.Definition) []string {
	var keys []string
	for name, el := range def.Elements {
		if el.Key && !el.IsAssociation() {
			keys = append(keys, name)
		}
	}
	sort.Strings(keys)
	return keys
}

// rowMatchesKeys compares loosely: numbers compare by value across int and
// float encodings, everything else by string form.
func rowMatchesKeys(row, keys map[string]any) bool {
	if len(keys) == 0 {
		return false
	}
	for field, want := range keys {
		got, ok := row[field]
		if !ok {
			return false
		}
		if !looseEqual(got, want) {
			return false
		}
	}
	return true
}

func looseEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func cloneRow(row map[string]any) map[string]any {
	if row == nil {
		return nil
	}
	out := make(map[string]any, len(row))
	for k, v := range row {
		out[k] = v
	}
	return out
}

func cloneRows(rows []map[string]any) []map[string]any {
	out := make([]map[string]any, len(rows))
	for i, row := range rows {
		out[i] = cloneRow(row)
	}
	return out
}
