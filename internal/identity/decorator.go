package identity

import (
	"context"
	"maps"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/terraform-plugin-log/tflog"

	"github.com/isometry/ldap-authn/internal/config"
	"github.com/isometry/ldap-authn/internal/filter"
	ldapclient "github.com/isometry/ldap-authn/internal/ldap"
)

// Decorator copies name and email attributes from the directory onto identities.
type Decorator struct {
	store Store
}

// NewDecorator creates a Decorator that writes through store.
func NewDecorator(store Store) *Decorator {
	return &Decorator{store: store}
}

// Decorate looks up identity.Name with the configured user filter and copies the
// mapped attributes onto identity. When the user entry is an alias the attributes
// are read from its target. Failures are logged and otherwise ignored; Decorate
// reports whether the identity was updated.
func (d *Decorator) Decorate(ctx context.Context, cfg *config.AuthConfig, identity *Identity, conn ldapclient.Conn) bool {
	ctx = initializeLogging(ctx)
	ctx = tflog.SubsystemSetField(ctx, Subsystem, "identity", identity.Name)

	entry := d.lookup(ctx, conn, ldap.NewSearchRequest(
		cfg.BaseDN,
		ldap.ScopeWholeSubtree,
		ldap.NeverDerefAliases,
		0, 0, false,
		filter.Render(cfg.UserFilter, identity.Name),
		append(cfg.Attributes.Names(), ldapclient.AttrObjectClass, ldapclient.AttrAliasedObjectName),
		nil,
	))
	if entry == nil {
		return false
	}

	if target := ldapclient.AliasTarget(entry); target != "" {
		tflog.SubsystemDebug(ctx, Subsystem, "Following alias to decorate identity", map[string]any{
			"alias":  entry.DN,
			"target": target,
		})
		entry = d.lookup(ctx, conn, ldap.NewSearchRequest(
			target,
			ldap.ScopeBaseObject,
			ldap.NeverDerefAliases,
			1, 0, false,
			"(objectClass=*)",
			cfg.Attributes.Names(),
			nil,
		))
		if entry == nil {
			return false
		}
	}

	attrs := make(map[string]string, 3)
	for key, name := range map[string]string{
		AttrFirstName: cfg.Attributes.FirstName,
		AttrLastName:  cfg.Attributes.LastName,
		AttrEmail:     cfg.Attributes.Email,
	} {
		if value := entry.GetEqualFoldAttributeValue(name); value != "" {
			attrs[key] = value
		}
	}

	if len(attrs) == 0 {
		tflog.SubsystemDebug(ctx, Subsystem, "Directory entry has none of the mapped attributes", map[string]any{
			"dn": entry.DN,
		})
		return false
	}

	if err := d.store.SetAttributes(ctx, identity, attrs); err != nil {
		tflog.SubsystemError(ctx, Subsystem, "Failed to set identity attributes", map[string]any{
			"error": err.Error(),
		})
		return false
	}

	if d.store.HasPendingChanges(ctx, identity) {
		if err := d.store.Save(ctx, identity); err != nil {
			tflog.SubsystemError(ctx, Subsystem, "Failed to save identity", map[string]any{
				"error": err.Error(),
			})
			return false
		}
	}

	if identity.Attributes == nil {
		identity.Attributes = make(map[string]string, len(attrs))
	}
	maps.Copy(identity.Attributes, attrs)

	tflog.SubsystemDebug(ctx, Subsystem, "Identity decorated", map[string]any{
		"dn":         entry.DN,
		"attributes": len(attrs),
	})
	return true
}

// lookup returns the first entry req finds, or nil after logging why there is none.
func (d *Decorator) lookup(ctx context.Context, conn ldapclient.Conn, req *ldap.SearchRequest) *ldap.Entry {
	result, err := conn.Search(req)
	if err != nil {
		ldapclient.LogLDAPError(ctx, Subsystem, "decorate_search", err, map[string]any{
			"base_dn": req.BaseDN,
		})
		return nil
	}

	if len(result.Entries) == 0 {
		tflog.SubsystemWarn(ctx, Subsystem, "No directory entry found to decorate identity", map[string]any{
			"base_dn": req.BaseDN,
		})
		return nil
	}
	return result.Entries[0]
}
