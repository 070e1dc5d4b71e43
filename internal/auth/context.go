package auth

import "context"

// Principal is the resolved caller of an operation: who they are, which role
// they act under and which session carries them. Role is zero until the
// session reaches the active state.
type Principal struct {
	Identity  Identity
	Role      Role
	SessionID string
}

type principalKey struct{}

// ContextWithPrincipal returns a copy of ctx carrying p.
func ContextWithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFromContext returns the principal stored by ContextWithPrincipal.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	if ctx == nil {
		return Principal{}, false
	}
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}
