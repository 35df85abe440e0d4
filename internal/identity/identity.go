// Package identity provisions and decorates local identities for users the
// directory has authenticated.
package identity

import (
	"context"
	"errors"
	"maps"
	"time"
)

var (
	// ErrNotFound is returned by Store.FindByName when no identity has the name.
	ErrNotFound = errors.New("identity not found")
	// ErrIdentityExists is returned by Store.Create when the name is already taken.
	ErrIdentityExists = errors.New("identity already exists")
)

// Local attribute keys written by the Decorator.
const (
	AttrFirstName = "firstName"
	AttrLastName  = "lastName"
	AttrEmail     = "email"
)

// UserPathPrefix prefixes the path carried by creation notices.
const UserPathPrefix = "/system/userManager/user/"

// Identity is a local account for a directory user.
type Identity struct {
	ID         string
	Name       string
	Attributes map[string]string
	CreatedAt  time.Time
}

// Clone returns a deep copy of i.
func (i *Identity) Clone() *Identity {
	if i == nil {
		return nil
	}
	c := *i
	c.Attributes = maps.Clone(i.Attributes)
	return &c
}

// Store is the local account store.
//
// Create must be atomic per name: of two concurrent calls for the same name,
// exactly one succeeds and the other returns ErrIdentityExists.
type Store interface {
	FindByName(ctx context.Context, name string) (*Identity, error)
	Create(ctx context.Context, name string, secret []byte) (*Identity, error)
	SetAttributes(ctx context.Context, identity *Identity, attrs map[string]string) error
	HasPendingChanges(ctx context.Context, identity *Identity) bool
	Save(ctx context.Context, identity *Identity) error
}

// Notice describes a change made to the account store.
type Notice struct {
	Kind string // "created"
	Path string
}

// NoticeCreated returns the notice sent after the identity name was created.
func NoticeCreated(name string) Notice {
	return Notice{Kind: "created", Path: UserPathPrefix + name}
}

// PostCreateHook is notified once for every identity created by a Provisioner.
type PostCreateHook interface {
	IdentityCreated(ctx context.Context, identity *Identity, notice Notice) error
}

// HookFunc adapts a function to PostCreateHook.
type HookFunc func(ctx context.Context, identity *Identity, notice Notice) error

func (f HookFunc) IdentityCreated(ctx context.Context, identity *Identity, notice Notice) error {
	return f(ctx, identity, notice)
}
