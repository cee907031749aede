// Package boltstore is a bbolt-backed backing store with real transactional
// writes. One bucket per qualified entity name; rows are JSON values keyed
// by a canonical key-field encoding.
package boltstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"dsmcp/internal/adapter/outbound/query"
	"dsmcp/internal/domain"
	"dsmcp/internal/usecase"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

type Store struct {
	db     *bolt.DB
	model  *domain.Model
	logger *slog.Logger

	mu       sync.RWMutex
	services map[string]*service
}

type service struct {
	store    *Store
	name     string
	entities map[string]bool
	handlers map[string]usecase.OperationHandler
}

// Open opens (or creates) the database at path and prepares one bucket per
// entity in the model.
func Open(path string, model *domain.Model, logger *slog.Logger) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening store database: %w", err)
	}
	s := &Store{
		db:       db,
		model:    model,
		logger:   logger.With(slog.String("component", "boltstore")),
		services: map[string]*service{},
	}
	for name, def := range model.Definitions {
		if def.Kind != domain.KindService {
			continue
		}
		s.services[name] = &service{
			store:    s,
			name:     name,
			entities: map[string]bool{},
			handlers: map[string]usecase.OperationHandler{},
		}
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for name, def := range model.Definitions {
			if def.Kind != domain.KindEntity {
				continue
			}
			owner, _ := domain.SplitQualified(name)
			svc, ok := s.services[owner]
			if !ok {
				continue
			}
			svc.entities[name] = true
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Seed inserts initial rows, keyed by qualified entity name. An entity that
// already holds rows is left untouched so restarts do not duplicate data.
func (s *Store) Seed(data map[string][]map[string]any) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for entity, rows := range data {
			def := s.model.Definition(entity)
			if def == nil || def.Kind != domain.KindEntity {
				return fmt.Errorf("seed data for unknown entity %s", entity)
			}
			bucket := tx.Bucket([]byte(entity))
			if bucket == nil {
				return fmt.Errorf("seed data for %s: entity is not served", entity)
			}
			if k, _ := bucket.Cursor().First(); k != nil {
				continue
			}
			for _, row := range rows {
				if err := putRow(bucket, def, row); err != nil {
					return fmt.Errorf("seeding %s: %w", entity, err)
				}
			}
		}
		return nil
	})
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
	if !svc.entities[q.Entity] {
		return nil, fmt.Errorf("%w: %s", usecase.ErrEntityNotFound, q.Entity)
	}
	var rows []map[string]any
	err := svc.store.db.View(func(tx *bolt.Tx) error {
		var err error
		rows, err = readAll(tx.Bucket([]byte(q.Entity)))
		return err
	})
	if err != nil {
		return nil, err
	}
	return query.Apply(q, rows)
}

func (svc *service) Read(ctx context.Context, user domain.Identity, entity string, keys map[string]any) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !svc.entities[entity] {
		return nil, fmt.Errorf("%w: %s", usecase.ErrEntityNotFound, entity)
	}
	var row map[string]any
	err := svc.store.db.View(func(tx *bolt.Tx) error {
		var err error
		row, err = findRow(tx.Bucket([]byte(entity)), keys)
		return err
	})
	if err != nil {
		return nil, err
	}
	return row, nil
}

func (svc *service) Begin(ctx context.Context, user domain.Identity) (usecase.StoreTx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	tx, err := svc.store.db.Begin(true)
	if err != nil {
		return nil, fmt.Errorf("beginning store transaction: %w", err)
	}
	return &boltTx{svc: svc, tx: tx}, nil
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

type boltTx struct {
	svc  *service
	tx   *bolt.Tx
	done bool
}

func (t *boltTx) bucket(entity string) (*bolt.Bucket, error) {
	if !t.svc.entities[entity] {
		return nil, fmt.Errorf("%w: %s", usecase.ErrEntityNotFound, entity)
	}
	bucket := t.tx.Bucket([]byte(entity))
	if bucket == nil {
		return nil, fmt.Errorf("%w: %s", usecase.ErrEntityNotFound, entity)
	}
	return bucket, nil
}

func (t *boltTx) Insert(ctx context.Context, entity string, data map[string]any) (map[string]any, error) {
	if err := t.usable(ctx); err != nil {
		return nil, err
	}
	bucket, err := t.bucket(entity)
	if err != nil {
		return nil, err
	}
	def := t.svc.store.model.Definition(entity)
	row := cloneRow(data)
	applyGeneratedFields(def, row)
	if missing := missingRequired(def, row); len(missing) > 0 {
		return nil, fmt.Errorf("missing required field(s) for %s: %s",
			domain.ShortName(entity), strings.Join(missing, ", "))
	}
	key := encodeKey(def, row)
	if bucket.Get(key) != nil {
		return nil, fmt.Errorf("duplicate key for %s", domain.ShortName(entity))
	}
	raw, err := json.Marshal(row)
	if err != nil {
		return nil, err
	}
	if err := bucket.Put(key, raw); err != nil {
		return nil, err
	}
	return row, nil
}

func (t *boltTx) Update(ctx context.Context, entity string, keys, data map[string]any) (map[string]any, error) {
	if err := t.usable(ctx); err != nil {
		return nil, err
	}
	bucket, err := t.bucket(entity)
	if err != nil {
		return nil, err
	}
	key, row, err := findRowKeyed(bucket, keys)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, fmt.Errorf("no %s record matches the given keys", domain.ShortName(entity))
	}
	for k, v := range data {
		row[k] = v
	}
	raw, err := json.Marshal(row)
	if err != nil {
		return nil, err
	}
	if err := bucket.Put(key, raw); err != nil {
		return nil, err
	}
	return row, nil
}

func (t *boltTx) Delete(ctx context.Context, entity string, keys map[string]any) error {
	if err := t.usable(ctx); err != nil {
		return err
	}
	bucket, err := t.bucket(entity)
	if err != nil {
		return err
	}
	key, row, err := findRowKeyed(bucket, keys)
	if err != nil {
		return err
	}
	if row == nil {
		return fmt.Errorf("no %s record matches the given keys", domain.ShortName(entity))
	}
	return bucket.Delete(key)
}

func (t *boltTx) Commit(ctx context.Context) error {
	if err := t.usable(ctx); err != nil {
		return err
	}
	t.done = true
	return t.tx.Commit()
}

func (t *boltTx) Rollback(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	return t.tx.Rollback()
}

func (t *boltTx) usable(ctx context.Context) error {
	if t.done {
		return fmt.Errorf("transaction already finished")
	}
	return ctx.Err()
}

// --- row encoding ---

// putRow stores one row under its encoded key, filling generated fields
// first. Existing rows under the same key are overwritten.
func putRow(bucket *bolt.Bucket, def *domain.Definition, data map[string]any) error {
	row := cloneRow(data)
	applyGeneratedFields(def, row)
	if missing := missingRequired(def, row); len(missing) > 0 {
		return fmt.Errorf("missing required field(s) for %s: %s",
			domain.ShortName(def.Name), strings.Join(missing, ", "))
	}
	raw, err := json.Marshal(row)
	if err != nil {
		return err
	}
	return bucket.Put(encodeKey(def, row), raw)
}

// encodeKey builds the bucket key from the row's key fields in sorted field
// order. Numeric values are normalized so int and float encodings of the
// same key collide as intended.
func encodeKey(def *domain.Definition, row map[string]any) []byte {
	var fields []string
	for name, el := range def.Elements {
		if el.Key && !el.IsAssociation() {
			fields = append(fields, name)
		}
	}
	sort.Strings(fields)
	parts := make([]string, len(fields))
	for i, f := range fields {
		parts[i] = f + "=" + normalizeKeyValue(row[f])
	}
	return []byte(strings.Join(parts, "|"))
}

func normalizeKeyValue(v any) string {
	if f, ok := toFloat(v); ok {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return fmt.Sprintf("%v", v)
}

func readAll(bucket *bolt.Bucket) ([]map[string]any, error) {
	var rows []map[string]any
	err := bucket.ForEach(func(_, raw []byte) error {
		var row map[string]any
		if err := json.Unmarshal(raw, &row); err != nil {
			return err
		}
		rows = append(rows, row)
		return nil
	})
	return rows, err
}

func findRow(bucket *bolt.Bucket, keys map[string]any) (map[string]any, error) {
	_, row, err := findRowKeyed(bucket, keys)
	return row, err
}

// findRowKeyed scans for the row matching all key fields. A scan tolerates
// callers supplying only a subset ordering or different numeric encodings.
func findRowKeyed(bucket *bolt.Bucket, keys map[string]any) ([]byte, map[string]any, error) {
	var foundKey []byte
	var found map[string]any
	err := bucket.ForEach(func(k, raw []byte) error {
		if found != nil {
			return nil
		}
		var row map[string]any
		if err := json.Unmarshal(raw, &row); err != nil {
			return err
		}
		if rowMatchesKeys(row, keys) {
			foundKey = append([]byte(nil), k...)
			found = row
		}
		return nil
	})
	return foundKey, found, err
}

// --- helpers ---

func applyGeneratedFields(def *domain.Definition, row map[string]any) {
	if def == nil {
		return
	}
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
	if def == nil {
		return nil
	}
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
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func cloneRow(row map[string]any) map[string]any {
	out := make(map[string]any, len(row))
	for k, v := range row {
		out[k] = v
	}
	return out
}
