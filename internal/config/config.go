// Package config builds immutable authentication settings from a flat key-value source.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/creasty/defaults"
	"github.com/go-ldap/ldap/v3"
	"github.com/mitchellh/mapstructure"

	"github.com/isometry/ldap-authn/internal/filter"
)

// AttributeMap names the directory attributes copied onto a local identity.
type AttributeMap struct {
	FirstName string `mapstructure:"ldap.prop.firstName" default:"firstName"`
	LastName  string `mapstructure:"ldap.prop.lastName" default:"lastName"`
	Email     string `mapstructure:"ldap.prop.email" default:"email"`
}

// Names returns the directory attribute names in firstName, lastName, email order.
func (m AttributeMap) Names() []string {
	return []string{m.FirstName, m.LastName, m.Email}
}

// AuthConfig is one snapshot of the authentication settings.
// A snapshot is never modified after Load returns it.
type AuthConfig struct {
	BaseDN      string `mapstructure:"ldap.baseDn"`
	UserFilter  string `mapstructure:"ldap.filter.user" default:"uid={}"`
	AuthzFilter string `mapstructure:"ldap.filter.authz"`

	CreateAccount bool `mapstructure:"ldap.account.create" default:"true"`
	DecorateUser  bool `mapstructure:"ldap.user.decorate" default:"true"`

	Attributes AttributeMap `mapstructure:",squash"`

	ServiceDN       string `mapstructure:"ldap.service.dn"`
	ServicePassword string `mapstructure:"ldap.service.password"`

	// Kerberos service bind, used instead of a simple bind when a principal is set.
	KerberosPrincipal string `mapstructure:"ldap.kerberos.principal"`
	KerberosRealm     string `mapstructure:"ldap.kerberos.realm"`
	KerberosKeytab    string `mapstructure:"ldap.kerberos.keytab"`
	KerberosConfig    string `mapstructure:"ldap.kerberos.config"`
	KerberosSPN       string `mapstructure:"ldap.kerberos.spn"`
}

// UsesKerberos reports whether the service account binds with GSSAPI.
func (c *AuthConfig) UsesKerberos() bool {
	return c.KerberosPrincipal != ""
}

// LogFields returns the snapshot as log fields with the service password removed.
func (c *AuthConfig) LogFields() map[string]any {
	return map[string]any{
		"base_dn":        c.BaseDN,
		"user_filter":    c.UserFilter,
		"authz_filter":   c.AuthzFilter,
		"create_account": c.CreateAccount,
		"decorate_user":  c.DecorateUser,
		"service_dn":     c.ServiceDN,
		"kerberos":       c.UsesKerberos(),
	}
}

// Load decodes props into a new AuthConfig. Missing keys keep their defaults and
// unknown keys are ignored, so one property source can feed several decoders.
func Load(props map[string]any) (*AuthConfig, error) {
	cfg := &AuthConfig{}

	if err := defaults.Set(cfg); err != nil {
		return nil, fmt.Errorf("failed to set default values: %w", err)
	}

	if err := decode(props, cfg); err != nil {
		return nil, fmt.Errorf("failed to decode authentication config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid authentication config: %w", err)
	}

	return cfg, nil
}

// Validate checks that the snapshot can drive an authentication attempt.
func (c *AuthConfig) Validate() error {
	var errs []error

	if strings.TrimSpace(c.BaseDN) == "" {
		errs = append(errs, errors.New("ldap.baseDn is required"))
	} else if _, err := ldap.ParseDN(c.BaseDN); err != nil {
		errs = append(errs, fmt.Errorf("ldap.baseDn: %w", err))
	}

	if !strings.Contains(c.UserFilter, filter.Placeholder) {
		errs = append(errs, fmt.Errorf("ldap.filter.user must contain the %s placeholder", filter.Placeholder))
	} else if _, err := ldap.CompileFilter(filter.Render(c.UserFilter, "probe")); err != nil {
		errs = append(errs, fmt.Errorf("ldap.filter.user: %w", err))
	}

	if c.AuthzFilter != "" {
		if _, err := ldap.CompileFilter(filter.Normalize(c.AuthzFilter)); err != nil {
			errs = append(errs, fmt.Errorf("ldap.filter.authz: %w", err))
		}
	}

	for _, name := range c.Attributes.Names() {
		if name == "" {
			errs = append(errs, errors.New("ldap.prop.* attribute names cannot be empty"))
			break
		}
	}

	if !c.UsesKerberos() && c.ServiceDN == "" {
		errs = append(errs, errors.New("ldap.service.dn is required"))
	}

	if c.UsesKerberos() && c.KerberosKeytab == "" && c.ServicePassword == "" {
		errs = append(errs, errors.New("ldap.kerberos.principal requires ldap.kerberos.keytab or ldap.service.password"))
	}

	return errors.Join(errs...)
}

// decode applies props over out, leaving fields without a matching key untouched.
func decode(props map[string]any, out any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           out,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return err
	}
	return decoder.Decode(props)
}
