package models

// Identity is the authenticated caller of a registry or executor
// operation, produced by the auth middleware.
type Identity struct {
	Username string `json:"username,omitempty"`
	Role     string `json:"role,omitempty"`

	// Privileged is set for API-key callers and admins; it bypasses the
	// session-owner check.
	Privileged bool `json:"-"`
}

// CanAccess reports whether the identity may act on a session owned by
// owner. Sessions without a recorded owner are open to any caller.
func (id Identity) CanAccess(owner string) bool {
	if id.Privileged || id.Role == "admin" {
		return true
	}
	return owner == "" || id.Username == "" || id.Username == owner
}
