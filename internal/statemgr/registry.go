// Copyright (c) The OpenTofu Authors
// SPDX-License-Identifier: MPL-2.0
// Copyright (c) 2023 HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package statemgr

import (
	"context"
	"errors"
	"fmt"
	"log"
	"maps"
	"reflect"
	"slices"
	"sync"

	"github.com/hashicorp/go-multierror"
)

// DefaultStoreName is the store used by managers that don't name one.
const DefaultStoreName = "default"

// Identities of the managers registered by [Registry.UseConversationState]
// and [Registry.UseUserState].
const (
	ConversationManager = "conversation"
	UserManager         = "user"
)

// Scope carries the identifiers of the current unit of work, from which
// scoped managers derive their namespaces.
type Scope struct {
	ChannelID      string
	ConversationID string
	UserID         string
}

// ConversationNamespace returns the namespace that holds the state of one
// conversation.
func ConversationNamespace(channelID, conversationID string) (string, error) {
	if channelID == "" || conversationID == "" {
		return "", errors.New("conversation state requires a channel id and a conversation id")
	}
	return fmt.Sprintf("/channels/%s/conversations/%s", channelID, conversationID), nil
}

// UserNamespace returns the namespace that holds the state of one user.
func UserNamespace(userID string) (string, error) {
	if userID == "" {
		return "", errors.New("user state requires a user id")
	}
	return "/users/" + userID, nil
}

// Factory constructs a custom manager over the given namespace of a
// configured store.
type Factory func(namespace string, store Binding) (StateManager, error)

type managerConfig struct {
	id           string
	namespace    func(Scope) (string, error)
	store        string
	factory      Factory
	autoLoadAll  bool
	autoLoadKeys []string
}

// ManagerOption customizes a manager registered with [Registry.UseManager].
type ManagerOption func(*managerConfig)

// WithNamespace sets a fixed namespace. The default namespace is the
// manager's identity.
func WithNamespace(namespace string) ManagerOption {
	return func(c *managerConfig) {
		c.namespace = func(Scope) (string, error) { return namespace, nil }
	}
}

// WithScopedNamespace derives the namespace from the unit of work's scope.
func WithScopedNamespace(fn func(Scope) (string, error)) ManagerOption {
	return func(c *managerConfig) {
		c.namespace = fn
	}
}

// WithStore selects a named store instead of [DefaultStoreName].
func WithStore(name string) ManagerOption {
	return func(c *managerConfig) {
		c.store = name
	}
}

// WithFactory replaces the default construction of a [Manager].
func WithFactory(f Factory) ManagerOption {
	return func(c *managerConfig) {
		c.factory = f
	}
}

// AutoLoadAll makes [Resolver.AutoLoad] load the whole namespace.
func AutoLoadAll() ManagerOption {
	return func(c *managerConfig) {
		c.autoLoadAll = true
	}
}

// AutoLoadKeys makes [Resolver.AutoLoad] load the given keys.
func AutoLoadKeys(keys ...string) ManagerOption {
	return func(c *managerConfig) {
		c.autoLoadKeys = append(c.autoLoadKeys, keys...)
	}
}

// Registry is the process-wide configuration of stores and managers. It is
// populated once at startup and then used to create a [Resolver] for each
// unit of work.
type Registry struct {
	mu       sync.RWMutex
	stores   map[string]Binding
	managers map[string]*managerConfig
}

func NewRegistry() *Registry {
	return &Registry{
		stores:   make(map[string]Binding),
		managers: make(map[string]*managerConfig),
	}
}

// UseStore registers a store under the given name, replacing any store
// previously registered with that name.
func (r *Registry) UseStore(name string, store Binding) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stores[name] = store
}

// UseDefaultStore registers the store used by managers that don't name one.
func (r *Registry) UseDefaultStore(store Binding) {
	r.UseStore(DefaultStoreName, store)
}

// UseManager registers a manager identity. It panics if id is empty.
func (r *Registry) UseManager(id string, opts ...ManagerOption) {
	if id == "" {
		panic("statemgr: manager identity must not be empty")
	}
	cfg := &managerConfig{
		id:    id,
		store: DefaultStoreName,
		namespace: func(Scope) (string, error) {
			return id, nil
		},
	}
	for _, opt := range opts {
		opt(cfg)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.managers[id] = cfg
}

// TypedManagerID returns the identity [UseTypedManager] registers for
// managers of type M: "typed:" followed by the package path and name of M.
func TypedManagerID[M StateManager]() string {
	t := reflect.TypeFor[M]()
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.PkgPath() == "" {
		return "typed:" + t.String()
	}
	return "typed:" + t.PkgPath() + "." + t.Name()
}

// UseTypedManager registers a manager under [TypedManagerID], so it can
// be resolved by type with [ResolveTyped].
func UseTypedManager[M StateManager](r *Registry, opts ...ManagerOption) {
	r.UseManager(TypedManagerID[M](), opts...)
}

// ResolveTyped resolves the manager registered by [UseTypedManager].
func ResolveTyped[M StateManager](r *Resolver) (M, error) {
	return Resolve[M](r, TypedManagerID[M]())
}

// UseConversationState registers the "conversation" manager, whose
// namespace is derived from the channel and conversation of the scope.
func (r *Registry) UseConversationState(opts ...ManagerOption) {
	opts = append([]ManagerOption{WithScopedNamespace(func(s Scope) (string, error) {
		return ConversationNamespace(s.ChannelID, s.ConversationID)
	})}, opts...)
	r.UseManager(ConversationManager, opts...)
}

// UseUserState registers the "user" manager, whose namespace is derived
// from the user of the scope.
func (r *Registry) UseUserState(opts ...ManagerOption) {
	opts = append([]ManagerOption{WithScopedNamespace(func(s Scope) (string, error) {
		return UserNamespace(s.UserID)
	})}, opts...)
	r.UseManager(UserManager, opts...)
}

// Store returns the store registered under name.
func (r *Registry) Store(name string) (Binding, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.stores[name]
	return b, ok
}

// StoreNames returns the sorted names of all registered stores.
func (r *Registry) StoreNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.stores))
}

// ManagerIDs returns the sorted identities of all registered managers.
func (r *Registry) ManagerIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.managers))
}

// EnsureReady prepares every registered store for use.
func (r *Registry) EnsureReady(ctx context.Context) error {
	var errs *multierror.Error
	for _, name := range r.StoreNames() {
		b, _ := r.Store(name)
		log.Printf("[DEBUG] statemgr: preparing store %q (%s)", name, b.Backend())
		if err := b.EnsureReady(ctx); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("store %q: %w", name, err))
		}
	}
	return errs.ErrorOrNil()
}

// Close closes every registered store.
func (r *Registry) Close() error {
	var errs []error
	for _, name := range r.StoreNames() {
		b, _ := r.Store(name)
		if err := b.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing store %q: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// Resolver returns a new resolver for one unit of work in the given scope.
func (r *Registry) Resolver(scope Scope) *Resolver {
	return &Resolver{
		registry: r,
		scope:    scope,
		managers: make(map[string]StateManager),
	}
}

// lookup returns the manager's configuration even when its store is
// missing.
func (r *Registry) lookup(id string) (*managerConfig, Binding, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.managers[id]
	if !ok {
		return nil, nil, &UnconfiguredManagerError{ID: id}
	}
	store, ok := r.stores[cfg.store]
	if !ok {
		return cfg, nil, &UnconfiguredManagerError{ID: id, Store: cfg.store}
	}
	return cfg, store, nil
}
