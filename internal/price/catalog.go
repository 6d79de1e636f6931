package price

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/lrendina/blockchain-intel/internal/config"
	"go.uber.org/zap"
)

const (
	catalogTokenPrefix    = "catalog:token:"
	catalogRefreshedAtKey = "catalog:refreshedAt"

	defaultCatalogTtl = 24 * time.Hour
)

type CatalogEntry struct {
	ID     string `json:"id"`
	Symbol string `json:"symbol"`
}

// TokenCatalog maps contract addresses to price index coin ids. The mapping
// is cached durably and refreshed at most once per TTL window, because the
// full coin list is by far the heaviest call the price index serves.
type TokenCatalog interface {
	Lookup(ctx context.Context, tokenAddress string) (CatalogEntry, bool, error)
	Invalidate() error
}

func NewTokenCatalog(badgerDb *badger.DB, source PriceSource) TokenCatalog {
	cfg := config.Get()
	platform := cfg.Chain
	if platform == "" {
		platform = "base"
	}
	ttl := defaultCatalogTtl
	if cfg.PriceCatalogTtlHours > 0 {
		ttl = time.Duration(cfg.PriceCatalogTtlHours) * time.Hour
	}
	return &TokenCatalogImpl{
		db:       badgerDb,
		source:   source,
		platform: platform,
		ttl:      ttl,
	}
}

type TokenCatalogImpl struct {
	db       *badger.DB
	source   PriceSource
	platform string
	ttl      time.Duration

	// Serializes refreshes so concurrent misses trigger one coin list call.
	mu sync.Mutex
}

// Lookup resolves a contract address to its coin id. A miss on a fresh
// catalog means the token is genuinely unknown to the price index; a miss on
// a stale catalog triggers a refresh first.
func (c *TokenCatalogImpl) Lookup(ctx context.Context, tokenAddress string) (CatalogEntry, bool, error) {
	address := strings.ToLower(tokenAddress)

	entry, found, err := c.read(address)
	if err != nil {
		return CatalogEntry{}, false, err
	}
	if found {
		return entry, true, nil
	}

	fresh, err := c.isFresh()
	if err != nil {
		return CatalogEntry{}, false, err
	}
	if fresh {
		return CatalogEntry{}, false, nil
	}

	if err := c.refresh(ctx); err != nil {
		return CatalogEntry{}, false, err
	}
	return c.read(address)
}

func (c *TokenCatalogImpl) read(address string) (CatalogEntry, bool, error) {
	var entry CatalogEntry
	found := false
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(catalogTokenPrefix + address))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if err := json.Unmarshal(val, &entry); err != nil {
				return err
			}
			found = true
			return nil
		})
	})
	return entry, found, err
}

func (c *TokenCatalogImpl) isFresh() (bool, error) {
	var refreshedAt int64
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(catalogRefreshedAtKey))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			refreshedAt, err = strconv.ParseInt(string(val), 10, 64)
			return err
		})
	})
	if err != nil {
		return false, err
	}
	if refreshedAt == 0 {
		return false, nil
	}
	return time.Since(time.Unix(refreshedAt, 0)) < c.ttl, nil
}

func (c *TokenCatalogImpl) refresh(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Another goroutine may have refreshed while this one waited on the lock.
	fresh, err := c.isFresh()
	if err != nil {
		return err
	}
	if fresh {
		return nil
	}

	coins, err := c.source.CoinList(ctx)
	if err != nil {
		return err
	}

	batch := c.db.NewWriteBatch()
	defer batch.Cancel()

	mapped := 0
	for _, coin := range coins {
		address, ok := coin.Platforms[c.platform]
		if !ok || address == "" {
			continue
		}
		value, err := json.Marshal(CatalogEntry{ID: coin.ID, Symbol: coin.Symbol})
		if err != nil {
			return err
		}
		if err := batch.Set([]byte(catalogTokenPrefix+strings.ToLower(address)), value); err != nil {
			return err
		}
		mapped++
	}
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)
	if err := batch.Set([]byte(catalogRefreshedAtKey), []byte(timestamp)); err != nil {
		return err
	}
	if err := batch.Flush(); err != nil {
		return err
	}

	zap.L().Info("Refreshed token catalog",
		zap.String("platform", c.platform),
		zap.Int("coins", len(coins)),
		zap.Int("mapped", mapped),
	)
	return nil
}

// Invalidate drops every cached mapping and the freshness marker, forcing a
// full refresh on the next lookup.
func (c *TokenCatalogImpl) Invalidate() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.db.DropPrefix([]byte(catalogTokenPrefix)); err != nil {
		return err
	}
	return c.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete([]byte(catalogRefreshedAtKey))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	})
}
