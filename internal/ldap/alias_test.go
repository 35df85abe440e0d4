package ldap

import (
	"testing"

	"github.com/go-ldap/ldap/v3"
	"github.com/stretchr/testify/assert"
)

func TestAliasTarget(t *testing.T) {
	tests := []struct {
		name  string
		entry *ldap.Entry
		want  string
	}{
		{
			name: "alias",
			entry: ldap.NewEntry("uid=bob,ou=people,dc=example,dc=com", map[string][]string{
				"objectClass":       {"alias", "extensibleObject"},
				"aliasedObjectName": {"cn=real-bob,ou=staff,dc=example,dc=com"},
			}),
			want: "cn=real-bob,ou=staff,dc=example,dc=com",
		},
		{
			name: "aliasObject with server casing",
			entry: ldap.NewEntry("uid=bob,ou=people,dc=example,dc=com", map[string][]string{
				"objectclass":       {"AliasObject"},
				"aliasedobjectname": {"cn=real-bob,ou=staff,dc=example,dc=com"},
			}),
			want: "cn=real-bob,ou=staff,dc=example,dc=com",
		},
		{
			name: "alias without target",
			entry: ldap.NewEntry("uid=bob,ou=people,dc=example,dc=com", map[string][]string{
				"objectClass": {"alias"},
			}),
			want: "",
		},
		{
			name: "target on a non-alias entry",
			entry: ldap.NewEntry("uid=alice,ou=people,dc=example,dc=com", map[string][]string{
				"objectClass":       {"inetOrgPerson"},
				"aliasedObjectName": {"cn=other,dc=example,dc=com"},
			}),
			want: "",
		},
		{
			name:  "nil entry",
			entry: nil,
			want:  "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, AliasTarget(tt.entry))
		})
	}
}
