package identity

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/hashicorp/terraform-plugin-log/tflog"

	"github.com/isometry/ldap-authn/internal/config"
	ldapclient "github.com/isometry/ldap-authn/internal/ldap"
)

// Provisioner finds or creates the local identity of an authenticated user.
type Provisioner struct {
	store     Store
	decorator *Decorator
	hooks     []PostCreateHook
}

// ProvisionerOption configures a Provisioner.
type ProvisionerOption func(*Provisioner)

// WithHook adds a hook notified after each identity creation.
func WithHook(hook PostCreateHook) ProvisionerOption {
	return func(p *Provisioner) {
		p.hooks = append(p.hooks, hook)
	}
}

// WithDecorator replaces the default Decorator.
func WithDecorator(d *Decorator) ProvisionerOption {
	return func(p *Provisioner) {
		p.decorator = d
	}
}

// NewProvisioner creates a Provisioner over store.
func NewProvisioner(store Store, opts ...ProvisionerOption) *Provisioner {
	p := &Provisioner{store: store}
	for _, opt := range opts {
		opt(p)
	}
	if p.decorator == nil {
		p.decorator = NewDecorator(store)
	}
	return p
}

// EnsureIdentity returns the identity called name, creating it when absent.
//
// A new identity gets a random local secret that is never handed out. When
// cfg.DecorateUser is set and conn is not nil it is decorated from the directory,
// then every hook is notified. An existing identity is returned without side effects,
// including one created concurrently by another caller.
func (p *Provisioner) EnsureIdentity(ctx context.Context, cfg *config.AuthConfig, name string, conn ldapclient.Conn) (*Identity, error) {
	ctx = initializeLogging(ctx)
	ctx = tflog.SubsystemSetField(ctx, Subsystem, "identity", name)

	existing, err := p.store.FindByName(ctx, name)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("failed to look up identity: %w", err)
	}

	secret := []byte(rand.Text())
	defer clear(secret)

	created, err := p.store.Create(ctx, name, secret)
	if errors.Is(err, ErrIdentityExists) {
		tflog.SubsystemDebug(ctx, Subsystem, "Identity created concurrently, using existing")
		existing, err = p.store.FindByName(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("failed to look up identity: %w", err)
		}
		return existing, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create identity: %w", err)
	}

	tflog.SubsystemInfo(ctx, Subsystem, "Identity created", map[string]any{
		"id": created.ID,
	})

	if cfg.DecorateUser && conn != nil {
		p.decorator.Decorate(ctx, cfg, created, conn)
	}

	notice := NoticeCreated(name)
	for _, hook := range p.hooks {
		if err := hook.IdentityCreated(ctx, created, notice); err != nil {
			tflog.SubsystemError(ctx, Subsystem, "Post-create hook failed", map[string]any{
				"path":  notice.Path,
				"error": err.Error(),
			})
		}
	}

	return created, nil
}
