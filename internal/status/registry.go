package status

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/basket/planbot/internal/persistence"
	"github.com/basket/planbot/internal/planfix"
)

// Fetcher retrieves the status directory of a process from the remote
// API. The planfix client satisfies it; tests use fakes.
type Fetcher interface {
	ProcessStatuses(ctx context.Context, processID int64) ([]planfix.Status, error)
}

// Cache persists resolved mappings between restarts.
type Cache interface {
	CachedStatuses(ctx context.Context) (map[string]persistence.CachedStatus, error)
	ReplaceStatuses(ctx context.Context, statuses []persistence.CachedStatus) error
}

// Options configures a Registry.
type Options struct {
	Fetcher   Fetcher
	Cache     Cache
	ProcessID int64
	// Overrides pins keys to remote ids, bypassing cache and fetch.
	Overrides map[string]int64
	// Aliases replaces the default display-name alias of a key.
	Aliases map[string]string
	Logger   *slog.Logger
}

// Registry resolves abstract status keys to remote ids. Resolution
// order: operator overrides, then the persisted cache, then a remote
// fetch whose result is persisted back.
type Registry struct {
	fetcher   Fetcher
	cache     Cache
	processID int64
	overrides map[Key]int64
	aliases   map[Key]string
	logger    *slog.Logger

	mu     sync.RWMutex
	ids    map[Key]int64
	names  map[Key]string
	byID   map[int64]Key
	loaded bool
}

func NewRegistry(opts Options) *Registry {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	r := &Registry{
		fetcher:   opts.Fetcher,
		cache:     opts.Cache,
		processID: opts.ProcessID,
		overrides: make(map[Key]int64),
		aliases:   make(map[Key]string),
		logger:    opts.Logger,
	}
	for k, id := range opts.Overrides {
		if !ValidKey(k) {
			opts.Logger.Warn("ignoring status id override for unknown key", "key", k)
			continue
		}
		r.overrides[Key(k)] = id
	}
	for k, alias := range opts.Aliases {
		if !ValidKey(k) {
			opts.Logger.Warn("ignoring status name override for unknown key", "key", k)
			continue
		}
		r.aliases[Key(k)] = alias
	}
	return r
}

// EnsureLoaded resolves the mapping, fetching from the remote API only
// when overrides plus cache leave a required key unresolved. It fails
// hard when any required key stays unmapped.
func (r *Registry) EnsureLoaded(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.loaded {
		return nil
	}

	ids := make(map[Key]int64)
	names := make(map[Key]string)

	if r.cache != nil {
		cached, err := r.cache.CachedStatuses(ctx)
		if err != nil {
			r.logger.Warn("status cache unreadable, falling back to fetch", "error", err)
		} else {
			for k, cs := range cached {
				if ValidKey(k) {
					ids[Key(k)] = cs.RemoteID
					names[Key(k)] = cs.Name
				}
			}
		}
	}
	for k, id := range r.overrides {
		ids[k] = id
	}

	if missingRequired(ids) != nil {
		if err := r.fetchIntoLocked(ctx, ids, names); err != nil {
			return err
		}
	}

	if missing := missingRequired(ids); missing != nil {
		return fmt.Errorf("%w: required status keys unresolved: %s",
			planfix.ErrNotConfigured, joinKeys(missing))
	}
	r.install(ids, names)
	return nil
}

// Refresh refetches the directory from the remote API and rebuilds the
// mapping, keeping operator overrides on top. Used by the cron sync and
// by config reloads.
func (r *Registry) Refresh(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make(map[Key]int64)
	names := make(map[Key]string)
	if err := r.fetchIntoLocked(ctx, ids, names); err != nil {
		return err
	}
	if missing := missingRequired(ids); missing != nil {
		return fmt.Errorf("%w: required status keys unresolved after refresh: %s",
			planfix.ErrNotConfigured, joinKeys(missing))
	}
	r.install(ids, names)
	return nil
}

// fetchIntoLocked fetches remote statuses, matches them against the
// key definitions and merges the result into ids/names. Overrides win.
// Caller holds r.mu.
func (r *Registry) fetchIntoLocked(ctx context.Context, ids map[Key]int64, names map[Key]string) error {
	statuses, err := r.fetcher.ProcessStatuses(ctx, r.processID)
	if err != nil {
		return fmt.Errorf("fetch process statuses: %w", err)
	}

	bySystem := make(map[string]planfix.Status)
	byAlias := make(map[string]planfix.Status)
	for _, s := range statuses {
		if sys := normSystem(s.SystemName); sys != "" {
			bySystem[sys] = s
		}
		if alias := normAlias(s.Name); alias != "" {
			byAlias[alias] = s
		}
	}

	for _, key := range AllKeys {
		def := keyDefs[key]
		alias := def.alias
		if custom, ok := r.aliases[key]; ok {
			alias = custom
		}

		matched := false
		for _, sys := range def.systems {
			if s, ok := bySystem[normSystem(sys)]; ok {
				ids[key] = s.ID
				names[key] = s.Name
				matched = true
				break
			}
		}
		if !matched && alias != "" {
			if s, ok := byAlias[normAlias(alias)]; ok {
				ids[key] = s.ID
				names[key] = s.Name
				matched = true
			}
		}
		if !matched {
			if _, pinned := r.overrides[key]; !pinned {
				r.logger.Info("status key not present in process", "key", string(key))
			}
		}
	}
	for k, id := range r.overrides {
		ids[k] = id
	}

	if r.cache != nil {
		persisted := make([]persistence.CachedStatus, 0, len(ids))
		for k, id := range ids {
			persisted = append(persisted, persistence.CachedStatus{Key: string(k), RemoteID: id, Name: names[k]})
		}
		sort.Slice(persisted, func(i, j int) bool { return persisted[i].Key < persisted[j].Key })
		if err := r.cache.ReplaceStatuses(ctx, persisted); err != nil {
			r.logger.Warn("persisting status cache failed", "error", err)
		}
	}
	return nil
}

// install swaps in a freshly built mapping. Caller holds r.mu.
func (r *Registry) install(ids map[Key]int64, names map[Key]string) {
	byID := make(map[int64]Key, len(ids))
	for k, id := range ids {
		byID[id] = k
	}
	r.ids = ids
	r.names = names
	r.byID = byID
	r.loaded = true
}

// Resolve returns the remote id for a key. A missing required key is an
// error; a missing optional key resolves to 0 and the caller skips the
// dependent behavior.
func (r *Registry) Resolve(key Key, required bool) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.loaded {
		return 0, fmt.Errorf("status registry not loaded: %w", planfix.ErrNotConfigured)
	}
	id, ok := r.ids[key]
	if !ok || id == 0 {
		if required {
			return 0, fmt.Errorf("status key %q unresolved: %w", string(key), planfix.ErrNotConfigured)
		}
		return 0, nil
	}
	return id, nil
}

// LabelFor returns a human label for a remote status id: the cached
// display name when known, the key as fallback, "#id" otherwise.
func (r *Registry) LabelFor(id int64) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if key, ok := r.byID[id]; ok {
		if name := r.names[key]; name != "" {
			return name
		}
		return string(key)
	}
	return fmt.Sprintf("#%d", id)
}

// KeyFor is the reverse lookup: remote id to abstract key.
func (r *Registry) KeyFor(id int64) (Key, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	key, ok := r.byID[id]
	return key, ok
}

func missingRequired(ids map[Key]int64) []Key {
	var missing []Key
	for _, k := range RequiredKeys {
		if id, ok := ids[k]; !ok || id == 0 {
			missing = append(missing, k)
		}
	}
	return missing
}

func joinKeys(keys []Key) string {
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = string(k)
	}
	return strings.Join(parts, ", ")
}
