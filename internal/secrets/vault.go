// Package secrets stores sealed secret values and resolves the secrets
// context of a run.
package secrets

import (
	"context"
	"sort"
	"strings"
)

// Vault resolves the values behind ${{ secrets.NAME }}. Values are sealed at
// rest and only opened in memory.
type Vault interface {
	Resolve(ctx context.Context, key string) ([]byte, error)
	Store(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context) ([]string, error)
}

// SecretStore persists sealed values. Satisfied by store.LibSQLStore and
// MemoryStore.
type SecretStore interface {
	StoreSecret(ctx context.Context, key string, value []byte) error
	GetSecret(ctx context.Context, key string) ([]byte, error)
	DeleteSecret(ctx context.Context, key string) error
	ListSecrets(ctx context.Context) ([]string, error)
}

// ScopedKey is the vault key of a repository secret. Repository secrets
// shadow global secrets of the same name.
func ScopedKey(repoID, name string) string {
	if repoID == "" {
		return name
	}
	return repoID + "/" + name
}

// ForRepo resolves every secret visible to repoID: global keys (no "/")
// overlaid with keys scoped as ScopedKey(repoID, NAME). A nil vault yields
// an empty map.
func ForRepo(ctx context.Context, v Vault, repoID string) (map[string]string, error) {
	out := map[string]string{}
	if v == nil {
		return out, nil
	}
	keys, err := v.List(ctx)
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)

	prefix := repoID + "/"
	var scoped []string
	for _, k := range keys {
		switch {
		case !strings.Contains(k, "/"):
			val, err := v.Resolve(ctx, k)
			if err != nil {
				return nil, err
			}
			out[k] = string(val)
		case repoID != "" && strings.HasPrefix(k, prefix) && !strings.Contains(k[len(prefix):], "/"):
			scoped = append(scoped, k)
		}
	}
	for _, k := range scoped {
		val, err := v.Resolve(ctx, k)
		if err != nil {
			return nil, err
		}
		out[k[len(prefix):]] = string(val)
	}
	return out, nil
}
