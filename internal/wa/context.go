package wa

import "context"

type principalContextKey struct{}

// ContextWithPrincipal attaches a verified authorization context.
func ContextWithPrincipal(ctx context.Context, ac AuthorizationContext) context.Context {
	return context.WithValue(ctx, principalContextKey{}, &ac)
}

// PrincipalFromContext extracts the verified authorization context, if any.
func PrincipalFromContext(ctx context.Context) (AuthorizationContext, bool) {
	if ctx == nil {
		return AuthorizationContext{}, false
	}
	v, ok := ctx.Value(principalContextKey{}).(*AuthorizationContext)
	if !ok || v == nil {
		return AuthorizationContext{}, false
	}
	return *v, true
}
