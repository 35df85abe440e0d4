package main

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isometry/ldap-authn/internal/config"
	"github.com/isometry/ldap-authn/internal/identity"
)

func TestLoadProperties(t *testing.T) {
	dir := t.TempDir()

	properties := filepath.Join(dir, "ldap-authn.properties")
	require.NoError(t, os.WriteFile(properties, []byte(strings.Join([]string{
		"# directory",
		"ldap.url=ldaps://ldap.example.com",
		"ldap.baseDn=ou=people,dc=example,dc=com",
		"ldap.service.dn=cn=app,dc=example,dc=com",
		"ldap.service.password=from-file",
		"ldap.account.create=false",
		"ldap.filter.authz=(allowSakai=true)",
	}, "\n")), 0o600))

	jsonFile := filepath.Join(dir, "ldap-authn.json")
	require.NoError(t, os.WriteFile(jsonFile, []byte(`{
		"ldap.url": ["ldaps://a.example.com", "ldaps://b.example.com"],
		"ldap.baseDn": "ou=people,dc=example,dc=com",
		"ldap.service.dn": "cn=app,dc=example,dc=com",
		"ldap.service.password": "from-json",
		"ldap.user.decorate": false
	}`), 0o600))

	t.Run("properties", func(t *testing.T) {
		props, err := loadProperties(properties)
		require.NoError(t, err)

		cfg, err := config.Load(props)
		require.NoError(t, err)
		assert.False(t, cfg.CreateAccount)
		assert.True(t, cfg.DecorateUser)
		assert.Equal(t, "(allowSakai=true)", cfg.AuthzFilter)
		assert.Equal(t, "from-file", cfg.ServicePassword)

		directory, err := config.LoadDirectory(props)
		require.NoError(t, err)
		assert.Equal(t, []string{"ldaps://ldap.example.com"}, directory.URLs)
	})

	t.Run("json", func(t *testing.T) {
		props, err := loadProperties(jsonFile)
		require.NoError(t, err)

		cfg, err := config.Load(props)
		require.NoError(t, err)
		assert.True(t, cfg.CreateAccount)
		assert.False(t, cfg.DecorateUser)

		directory, err := config.LoadDirectory(props)
		require.NoError(t, err)
		assert.Equal(t, []string{"ldaps://a.example.com", "ldaps://b.example.com"}, directory.URLs)
	})

	t.Run("service password from environment", func(t *testing.T) {
		t.Setenv(envServicePassword, "from-env")

		props, err := loadProperties(properties)
		require.NoError(t, err)
		assert.Equal(t, "from-env", props["ldap.service.password"])
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := loadProperties(filepath.Join(dir, "absent.properties"))
		assert.Error(t, err)
	})

	t.Run("single-quoted dollar kept literally", func(t *testing.T) {
		t.Setenv("HOME", "/home/alice")
		path := filepath.Join(dir, "quoted.properties")
		require.NoError(t, os.WriteFile(path, []byte(strings.Join([]string{
			"ldap.url=ldaps://ldap.example.com",
			"ldap.baseDn=ou=people,dc=example,dc=com",
			"ldap.service.dn=cn=app,dc=example,dc=com",
			"ldap.service.password='pa$$word'",
			"ldap.filter.authz='(&(allowSakai=true)(!(mail=$HOME)))'",
		}, "\n")), 0o600))

		props, err := loadProperties(path)
		require.NoError(t, err)
		assert.Equal(t, "(&(allowSakai=true)(!(mail=$HOME)))", props["ldap.filter.authz"])
		assert.Equal(t, "pa$$word", props["ldap.service.password"])
	})

	t.Run("unquoted dollar rejected", func(t *testing.T) {
		for name, line := range map[string]string{
			"unquoted":      "ldap.filter.authz=(&(allowSakai=true)(!(mail=$HOME)))",
			"double-quoted": `ldap.filter.authz="(!(mail=${HOME}))"`,
		} {
			t.Run(name, func(t *testing.T) {
				path := filepath.Join(dir, name+".properties")
				require.NoError(t, os.WriteFile(path, []byte("ldap.url=ldaps://ldap.example.com\n"+line+"\n"), 0o600))

				_, err := loadProperties(path)
				require.Error(t, err)
				assert.Contains(t, err.Error(), "line 2")
				assert.Contains(t, err.Error(), "ldap.filter.authz")
			})
		}
	})
}

func TestReadSecret(t *testing.T) {
	t.Run("piped input", func(t *testing.T) {
		secret, err := readSecret(strings.NewReader("pw1\r\nignored\n"), &bytes.Buffer{})
		require.NoError(t, err)
		assert.Equal(t, []byte("pw1"), secret)
	})

	t.Run("input without newline", func(t *testing.T) {
		secret, err := readSecret(strings.NewReader("pw1"), &bytes.Buffer{})
		require.NoError(t, err)
		assert.Equal(t, []byte("pw1"), secret)
	})

	t.Run("environment", func(t *testing.T) {
		t.Setenv(envPassword, "from-env")
		secret, err := readSecret(strings.NewReader("ignored\n"), &bytes.Buffer{})
		require.NoError(t, err)
		assert.Equal(t, []byte("from-env"), secret)
	})
}

func TestCheckCmd_ConfigErrorExitsUnavailable(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetArgs([]string{"check", "--config", filepath.Join(t.TempDir(), "absent.json"), "alice"})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})

	err := cmd.Execute()

	var exit *exitError
	require.True(t, errors.As(err, &exit))
	assert.Equal(t, exitUnavailable, exit.code)
}

func TestCheckCmd_RequiresIdentifier(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetArgs([]string{"check"})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})

	assert.Error(t, cmd.Execute())
}

func TestPrintIdentity(t *testing.T) {
	var out bytes.Buffer
	printIdentity(&out, &identity.Identity{
		ID: "42",
		Attributes: map[string]string{
			identity.AttrLastName:  "Liddell",
			identity.AttrEmail:     "alice@example.com",
			identity.AttrFirstName: "Alice",
		},
	})

	assert.Equal(t, "id: 42\nemail: alice@example.com\nfirstName: Alice\nlastName: Liddell\n", out.String())
}

func TestExitError(t *testing.T) {
	cause := errors.New("boom")
	assert.Equal(t, "boom", (&exitError{code: 2, err: cause}).Error())
	assert.Equal(t, "exit status 1", (&exitError{code: 1}).Error())
	assert.ErrorIs(t, &exitError{code: 2, err: cause}, cause)
}
