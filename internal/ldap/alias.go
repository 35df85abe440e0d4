package ldap

import (
	"strings"

	"github.com/go-ldap/ldap/v3"
)

// Attributes that identify an alias entry and its target.
const (
	AttrObjectClass       = "objectClass"
	AttrAliasedObjectName = "aliasedObjectName"
)

// AliasTarget returns the DN an alias entry points at, or "" when entry is not an alias.
// Both the alias and aliasObject object classes are recognised.
func AliasTarget(entry *ldap.Entry) string {
	if entry == nil {
		return ""
	}
	for _, class := range entry.GetEqualFoldAttributeValues(AttrObjectClass) {
		if strings.EqualFold(class, "alias") || strings.EqualFold(class, "aliasObject") {
			return entry.GetEqualFoldAttributeValue(AttrAliasedObjectName)
		}
	}
	return ""
}
