package store

import (
	"fmt"
	"io"

	"agent-webapp/internal/domain"
	"agent-webapp/internal/infra/config"
)

// Store is a ConversationStore that owns resources.
type Store interface {
	domain.ConversationStore
	io.Closer
}

// New builds the store named by cfg.Driver.
func New(cfg config.StoreConfig) (Store, error) {
	switch cfg.Driver {
	case "", "sqlite":
		return NewSQLiteStore(cfg.Path)
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}
