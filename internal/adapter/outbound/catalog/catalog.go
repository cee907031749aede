// Package catalog implements the operations declared by the bundled
// catalog model. Deployments serving a custom model register their own
// handlers instead; services the served model does not declare are
// skipped silently so RegisterHandlers is safe to call unconditionally.
package catalog

import (
	"context"
	"fmt"
	"log/slog"

	"dsmcp/internal/domain"
	"dsmcp/internal/usecase"
)

const (
	catalogService = "CatalogService"
	adminService   = "AdminService"
	booksEntity    = "CatalogService.Books"
)

// Registry is the slice of a backing store that handler registration
// needs. Both store backends satisfy it.
type Registry interface {
	usecase.ServiceResolver
	RegisterHandler(serviceName, operation string, handler usecase.OperationHandler) error
}

// RegisterHandlers binds the bundled model's declared operations to their
// implementations.
func RegisterHandlers(store Registry, logger *slog.Logger) error {
	if svc, ok := store.Resolve(catalogService); ok {
		if err := store.RegisterHandler(catalogService, "restock", restockHandler(svc)); err != nil {
			return err
		}
		logger.Debug("Operation handler registered.", slog.String("operation", "CatalogService.Books.restock"))
	}
	if _, ok := store.Resolve(adminService); ok {
		if err := store.RegisterHandler(adminService, "rebuildIndex", rebuildIndex); err != nil {
			return err
		}
		logger.Debug("Operation handler registered.", slog.String("operation", "AdminService.rebuildIndex"))
	}
	return nil
}

// restockHandler increases the stock of one book and returns the new count.
func restockHandler(svc usecase.ServiceExecutor) usecase.OperationHandler {
	return func(ctx context.Context, user domain.Identity, params map[string]any) (any, error) {
		id, _ := params["ID"].(string)
		if id == "" {
			return nil, fmt.Errorf("restock requires the ID of the book")
		}
		amount, ok := integerValue(params["amount"])
		if !ok {
			return nil, fmt.Errorf("restock requires an integer amount")
		}
		if amount <= 0 {
			return nil, fmt.Errorf("restock amount must be positive, got %d", amount)
		}

		keys := map[string]any{"ID": id}
		row, err := svc.Read(ctx, user, booksEntity, keys)
		if err != nil {
			return nil, err
		}
		if row == nil {
			return nil, fmt.Errorf("book %s not found", id)
		}
		current, _ := integerValue(row["stock"])
		next := current + amount

		tx, err := svc.Begin(ctx, user)
		if err != nil {
			return nil, err
		}
		if _, err := tx.Update(ctx, booksEntity, keys, map[string]any{"stock": next}); err != nil {
			_ = tx.Rollback(ctx)
			return nil, err
		}
		if err := tx.Commit(ctx); err != nil {
			_ = tx.Rollback(ctx)
			return nil, err
		}
		return next, nil
	}
}

// rebuildIndex is a stand-in for the search index rebuild; the bundled
// store has no separate index, so there is nothing to rebuild.
func rebuildIndex(ctx context.Context, user domain.Identity, params map[string]any) (any, error) {
	return "index rebuild scheduled", nil
}

// integerValue reads a whole number regardless of whether it arrived as a
// JSON float, a YAML int, or a stored int64.
func integerValue(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		if n != float64(int64(n)) {
			return 0, false
		}
		return int64(n), true
	default:
		return 0, false
	}
}
