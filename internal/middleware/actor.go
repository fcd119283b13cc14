package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

// ActorHeader carries the id of the user making the request. The
// authentication proxy in front of the service sets it.
const ActorHeader = "X-Actor-ID"

type actorKey struct{}

// Actor parses ActorHeader and stores the id in the request context. A
// missing or malformed header leaves the context without an actor; handlers
// that need one reject the request.
func Actor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id, err := uuid.Parse(r.Header.Get(ActorHeader)); err == nil && id != uuid.Nil {
			r = r.WithContext(WithActor(r.Context(), id))
		}
		next.ServeHTTP(w, r)
	})
}

// WithActor returns a copy of ctx carrying actor id.
func WithActor(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, actorKey{}, id)
}

// ActorFrom returns the actor stored by Actor, if any.
func ActorFrom(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(actorKey{}).(uuid.UUID)
	return id, ok
}
