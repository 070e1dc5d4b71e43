package auth

// Scoped is implemented by anything authorization can classify.
type Scoped interface {
	AuthResource() Resource
}

// FilterVisible returns the items the role may see, in input order. Items are
// kept when their category is visible to the role type and, for ownership
// scoped kinds, when they belong to the role's organization or the role holds
// blanket access for the kind. A role that is not active sees nothing.
//
// The input slice is never modified and the result never aliases it.
func FilterVisible[T Scoped](role Role, items []T) []T {
	out := make([]T, 0, len(items))
	if !role.IsActive() {
		return out
	}
	caps := ResolveCapabilities(role.Type)
	for _, item := range items {
		if inScope(role, caps, item.AuthResource()) {
			out = append(out, item)
		}
	}
	return out
}

// CanSee reports whether a single item passes FilterVisible for role.
func CanSee(role Role, item Scoped) bool {
	if !role.IsActive() {
		return false
	}
	return inScope(role, ResolveCapabilities(role.Type), item.AuthResource())
}
