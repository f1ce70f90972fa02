package shared

import "context"

// Actor identifies the authenticated principal on whose behalf a request runs.
// Upstream gateways authenticate the caller; this service only consumes the result.
type Actor struct {
	ID        string
	ClientIP  string
	UserAgent string
}

type actorContextKey struct{}

// ContextWithActor stores the actor in context.
func ContextWithActor(ctx context.Context, actor *Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

// ActorFromContext extracts the actor from context.
func ActorFromContext(ctx context.Context) *Actor {
	actor, _ := ctx.Value(actorContextKey{}).(*Actor)
	return actor
}
