// Package permission implements the flat permission-string check used to gate
// context-sensitive operations. There is no hierarchy and no wildcards.
package permission

import "strings"

// PlatformLogin must be present on a role for its users to authenticate in
// platform context.
const PlatformLogin = "platform.login"

func Has(required string, permissions []string) bool {
	required = strings.ToLower(strings.TrimSpace(required))
	if required == "" {
		return false
	}
	for _, p := range permissions {
		if strings.ToLower(strings.TrimSpace(p)) == required {
			return true
		}
	}
	return false
}
