package credentials

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sync"
	"time"

	vault "github.com/hashicorp/vault/api"

	"github.com/ignite/dispatch-engine/internal/pkg/logger"
)

// VaultOptions configures a VaultStore.
type VaultOptions struct {
	Address    string
	Token      string
	Mount      string // KV-v2 mount, e.g. "secret"
	PathPrefix string // provider blobs live at <mount>/data/<prefix>/<providerID>
	CacheTTL   time.Duration
}

// VaultStore reads provider credential blobs from a Vault KV-v2 mount and
// caches them for CacheTTL. Safe for concurrent use.
type VaultStore struct {
	kv     *vault.KVv2
	prefix string
	ttl    time.Duration

	mu    sync.RWMutex
	cache map[string]cachedBlob
}

type cachedBlob struct {
	blob map[string]string
	exp  time.Time
}

// NewVaultStore builds a Vault client from opts. VAULT_* environment
// variables are read first and opts override them.
func NewVaultStore(opts VaultOptions) (*VaultStore, error) {
	cfg := vault.DefaultConfig()
	if cfg.Error != nil {
		return nil, fmt.Errorf("vault config: %w", cfg.Error)
	}
	if opts.Address != "" {
		cfg.Address = opts.Address
	}

	client, err := vault.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("vault client: %w", err)
	}
	if opts.Token != "" {
		client.SetToken(opts.Token)
	}

	mount := opts.Mount
	if mount == "" {
		mount = "secret"
	}
	return &VaultStore{
		kv:     client.KVv2(mount),
		prefix: opts.PathPrefix,
		ttl:    opts.CacheTTL,
		cache:  make(map[string]cachedBlob),
	}, nil
}

// Decrypt returns the credential blob stored for providerID. Non-string
// values are formatted with %v.
func (s *VaultStore) Decrypt(ctx context.Context, providerID string) (map[string]string, error) {
	if providerID == "" {
		return nil, errors.New("credentials: empty provider id")
	}

	if s.ttl > 0 {
		s.mu.RLock()
		c, ok := s.cache[providerID]
		s.mu.RUnlock()
		if ok && time.Now().Before(c.exp) {
			return copyMap(c.blob), nil
		}
	}

	sec, err := s.kv.Get(ctx, path.Join(s.prefix, providerID))
	if err != nil {
		if errors.Is(err, vault.ErrSecretNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("vault get provider %s: %w", providerID, err)
	}

	blob := make(map[string]string, len(sec.Data))
	for k, v := range sec.Data {
		if str, ok := v.(string); ok {
			blob[k] = str
			continue
		}
		blob[k] = fmt.Sprintf("%v", v)
	}

	if s.ttl > 0 {
		s.mu.Lock()
		s.cache[providerID] = cachedBlob{blob: blob, exp: time.Now().Add(s.ttl)}
		s.mu.Unlock()
	}
	logger.Debug("credentials loaded from vault", "provider_id", providerID, "keys", len(blob))
	return copyMap(blob), nil
}

// Invalidate drops the cached blob for providerID after a rotation.
func (s *VaultStore) Invalidate(providerID string) {
	s.mu.Lock()
	delete(s.cache, providerID)
	s.mu.Unlock()
}
