package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"mcpfed/internal/domain"
)

var ErrStoreClosed = errors.New("gateway store is closed")

const keySep = "\x1f"

var (
	bucketGateways     = []byte("gateways")
	bucketGatewayNames = []byte("gateway_names")
	bucketGatewayURLs  = []byte("gateway_urls")
	bucketTools        = []byte("tools")
	bucketToolNames    = []byte("tool_names")
)

// Bolt persists gateway records and the merged tool catalog in a single
// bbolt database. The name and url index buckets enforce the (scope, name)
// and (scope, url, slug) uniqueness invariants inside the write transaction,
// backstopping the registry's own check.
type Bolt struct {
	mu     sync.RWMutex
	db     *bolt.DB
	closed bool
}

// Open opens or creates the database file.
func Open(path string) (*Bolt, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, errors.New("store path is required")
	}
	if err := os.MkdirAll(filepath.Dir(trimmed), 0o755); err != nil {
		return nil, fmt.Errorf("ensure store dir: %w", err)
	}
	db, err := bolt.Open(trimmed, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open store db: %w", err)
	}
	if err := ensureSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Bolt{db: db}, nil
}

func ensureSchema(db *bolt.DB) error {
	return db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketGateways, bucketGatewayNames, bucketGatewayURLs, bucketTools, bucketToolNames} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

func (s *Bolt) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func (s *Bolt) view(ctx context.Context, fn func(tx *bolt.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return s.db.View(fn)
}

func (s *Bolt) update(ctx context.Context, fn func(tx *bolt.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return s.db.Update(fn)
}

func nameKey(scope, name string) []byte {
	return []byte(scope + keySep + name)
}

func urlKey(scope, url, slug string) []byte {
	return []byte(scope + keySep + url + keySep + slug)
}

// Insert stores a new gateway, failing if its scope/name or scope/url/slug
// key is already taken.
func (s *Bolt) Insert(ctx context.Context, gw domain.Gateway) error {
	if gw.ID == "" {
		return errors.New("gateway id is required")
	}
	return s.update(ctx, func(tx *bolt.Tx) error {
		names := tx.Bucket(bucketGatewayNames)
		if existing := names.Get(nameKey(gw.Scope, gw.Name)); existing != nil {
			return &domain.NameConflictError{Scope: gw.Scope, Name: gw.Name, ConflictingID: string(existing)}
		}
		urls := tx.Bucket(bucketGatewayURLs)
		if existing := urls.Get(urlKey(gw.Scope, gw.URL, gw.Slug)); existing != nil {
			return domain.E(domain.CodeConflict, "store insert",
				fmt.Sprintf("url %s already registered under slug %s", gw.URL, gw.Slug), nil)
		}
		if err := putGateway(tx, gw); err != nil {
			return err
		}
		if err := names.Put(nameKey(gw.Scope, gw.Name), []byte(gw.ID)); err != nil {
			return fmt.Errorf("index gateway name: %w", err)
		}
		if err := urls.Put(urlKey(gw.Scope, gw.URL, gw.Slug), []byte(gw.ID)); err != nil {
			return fmt.Errorf("index gateway url: %w", err)
		}
		return nil
	})
}

// Update replaces an existing gateway record, moving its index entries when
// the name or url changed.
func (s *Bolt) Update(ctx context.Context, gw domain.Gateway) error {
	return s.update(ctx, func(tx *bolt.Tx) error {
		old, err := getGateway(tx, gw.ID)
		if err != nil {
			return err
		}
		names := tx.Bucket(bucketGatewayNames)
		urls := tx.Bucket(bucketGatewayURLs)

		if old.Scope != gw.Scope || old.Name != gw.Name {
			if existing := names.Get(nameKey(gw.Scope, gw.Name)); existing != nil && string(existing) != gw.ID {
				return &domain.NameConflictError{Scope: gw.Scope, Name: gw.Name, ConflictingID: string(existing)}
			}
			if err := names.Delete(nameKey(old.Scope, old.Name)); err != nil {
				return fmt.Errorf("drop old name index: %w", err)
			}
			if err := names.Put(nameKey(gw.Scope, gw.Name), []byte(gw.ID)); err != nil {
				return fmt.Errorf("index gateway name: %w", err)
			}
		}
		if old.Scope != gw.Scope || old.URL != gw.URL || old.Slug != gw.Slug {
			if existing := urls.Get(urlKey(gw.Scope, gw.URL, gw.Slug)); existing != nil && string(existing) != gw.ID {
				return domain.E(domain.CodeConflict, "store update",
					fmt.Sprintf("url %s already registered under slug %s", gw.URL, gw.Slug), nil)
			}
			if err := urls.Delete(urlKey(old.Scope, old.URL, old.Slug)); err != nil {
				return fmt.Errorf("drop old url index: %w", err)
			}
			if err := urls.Put(urlKey(gw.Scope, gw.URL, gw.Slug), []byte(gw.ID)); err != nil {
				return fmt.Errorf("index gateway url: %w", err)
			}
		}
		return putGateway(tx, gw)
	})
}

// Delete removes a gateway, its index entries, and every tool it owns in one
// transaction so no orphaned tool can reference it.
func (s *Bolt) Delete(ctx context.Context, id string) error {
	return s.update(ctx, func(tx *bolt.Tx) error {
		gw, err := getGateway(tx, id)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketGatewayNames).Delete(nameKey(gw.Scope, gw.Name)); err != nil {
			return fmt.Errorf("drop name index: %w", err)
		}
		if err := tx.Bucket(bucketGatewayURLs).Delete(urlKey(gw.Scope, gw.URL, gw.Slug)); err != nil {
			return fmt.Errorf("drop url index: %w", err)
		}
		if err := tx.Bucket(bucketGateways).Delete([]byte(id)); err != nil {
			return fmt.Errorf("delete gateway: %w", err)
		}
		return removeToolsOwnedBy(tx, id)
	})
}

// SetGatewayEnabled flips the administrative flag and cascades it to every
// tool the gateway owns inside one transaction.
func (s *Bolt) SetGatewayEnabled(ctx context.Context, id string, enabled bool) (domain.Gateway, error) {
	var out domain.Gateway
	err := s.update(ctx, func(tx *bolt.Tx) error {
		gw, err := getGateway(tx, id)
		if err != nil {
			return err
		}
		gw.Enabled = enabled
		gw.UpdatedAt = time.Now().UTC()
		if err := putGateway(tx, gw); err != nil {
			return err
		}
		if err := toggleToolsOwnedBy(tx, id, enabled); err != nil {
			return err
		}
		out = gw
		return nil
	})
	return out, err
}

func (s *Bolt) Get(ctx context.Context, id string) (domain.Gateway, bool, error) {
	var gw domain.Gateway
	found := false
	err := s.view(ctx, func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketGateways).Get([]byte(id))
		if raw == nil {
			return nil
		}
		if err := json.Unmarshal(raw, &gw); err != nil {
			return fmt.Errorf("decode gateway %s: %w", id, err)
		}
		found = true
		return nil
	})
	return gw, found, err
}

func (s *Bolt) FindByName(ctx context.Context, scope, name string) (domain.Gateway, bool, error) {
	var gw domain.Gateway
	found := false
	err := s.view(ctx, func(tx *bolt.Tx) error {
		id := tx.Bucket(bucketGatewayNames).Get(nameKey(scope, name))
		if id == nil {
			return nil
		}
		raw := tx.Bucket(bucketGateways).Get(id)
		if raw == nil {
			return nil
		}
		if err := json.Unmarshal(raw, &gw); err != nil {
			return fmt.Errorf("decode gateway %s: %w", id, err)
		}
		found = true
		return nil
	})
	return gw, found, err
}

func (s *Bolt) List(ctx context.Context, filter domain.GatewayFilter) ([]domain.Gateway, error) {
	var out []domain.Gateway
	err := s.view(ctx, func(tx *bolt.Tx) error {
		return tx.Bucket(bucketGateways).ForEach(func(_, raw []byte) error {
			var gw domain.Gateway
			if err := json.Unmarshal(raw, &gw); err != nil {
				return fmt.Errorf("decode gateway: %w", err)
			}
			if filter.Scope != "" && gw.Scope != filter.Scope {
				return nil
			}
			if !filter.IncludeInactive && !gw.Enabled {
				return nil
			}
			out = append(out, gw)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func putGateway(tx *bolt.Tx, gw domain.Gateway) error {
	raw, err := json.Marshal(gw)
	if err != nil {
		return fmt.Errorf("encode gateway %s: %w", gw.ID, err)
	}
	if err := tx.Bucket(bucketGateways).Put([]byte(gw.ID), raw); err != nil {
		return fmt.Errorf("store gateway %s: %w", gw.ID, err)
	}
	return nil
}

func getGateway(tx *bolt.Tx, id string) (domain.Gateway, error) {
	raw := tx.Bucket(bucketGateways).Get([]byte(id))
	if raw == nil {
		return domain.Gateway{}, &domain.NotFoundError{ID: id}
	}
	var gw domain.Gateway
	if err := json.Unmarshal(raw, &gw); err != nil {
		return domain.Gateway{}, fmt.Errorf("decode gateway %s: %w", id, err)
	}
	return gw, nil
}

var _ domain.Store = (*Bolt)(nil)
