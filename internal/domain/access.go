package domain

// Identity is the opaque caller identity supplied by the host's auth layer.
// The core never authenticates; it only asks for role membership.
type Identity interface {
	// Name returns a diagnostic identifier for the caller.
	Name() string
	// Is reports whether the caller holds the given role.
	Is(role string) bool
}

// Capabilities is the per-caller CRUD decision for one annotation.
type Capabilities struct {
	CanRead   bool
	CanCreate bool
	CanUpdate bool
	CanDelete bool
}

// All reports whether every capability is granted.
func (c Capabilities) All() bool {
	return c.CanRead && c.CanCreate && c.CanUpdate && c.CanDelete
}

// Any reports whether at least one capability is granted.
func (c Capabilities) Any() bool {
	return c.CanRead || c.CanCreate || c.CanUpdate || c.CanDelete
}

// Allows resolves a single operation against the capability set.
func (c Capabilities) Allows(op Operation) bool {
	switch op {
	case OpRead:
		return c.CanRead
	case OpCreate:
		return c.CanCreate
	case OpUpdate:
		return c.CanUpdate
	case OpDelete:
		return c.CanDelete
	}
	return false
}

// ResolveCapabilities accumulates grants across every restriction whose role
// the caller holds. Grants union, never intersect: matching two restrictions
// yields the union of their operations. An empty restriction list grants
// everything.
func ResolveCapabilities(user Identity, restrictions []Restriction) Capabilities {
	if len(restrictions) == 0 {
		return Capabilities{CanRead: true, CanCreate: true, CanUpdate: true, CanDelete: true}
	}
	var caps Capabilities
	for _, r := range restrictions {
		if user == nil || !user.Is(r.Role) {
			continue
		}
		if len(r.Operations) == 0 {
			return Capabilities{CanRead: true, CanCreate: true, CanUpdate: true, CanDelete: true}
		}
		for _, op := range r.Operations {
			switch op {
			case OpRead:
				caps.CanRead = true
			case OpCreate:
				caps.CanCreate = true
			case OpUpdate:
				caps.CanUpdate = true
			case OpDelete:
				caps.CanDelete = true
			}
		}
	}
	return caps
}

// HasAccess reports whether the caller may perform the requested operation.
// An empty op means "any access at all".
func HasAccess(user Identity, restrictions []Restriction, op Operation) bool {
	caps := ResolveCapabilities(user, restrictions)
	if op == "" {
		return caps.Any()
	}
	return caps.Allows(op)
}

// User is a plain role-bag identity, useful for hosts without an identity
// provider and for tests.
type User struct {
	ID    string
	Roles []string
}

func (u *User) Name() string { return u.ID }

func (u *User) Is(role string) bool {
	for _, r := range u.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// PrivilegedUser is the identity used when auth is disabled: it holds every
// role.
type PrivilegedUser struct{}

func (PrivilegedUser) Name() string   { return "privileged" }
func (PrivilegedUser) Is(string) bool { return true }
