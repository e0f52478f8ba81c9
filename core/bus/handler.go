package bus

import "context"

type (
	// HandlerFunc processes one message and returns its result.
	HandlerFunc[M Message] func(ctx context.Context, msg M) (any, error)

	// Middleware wraps a handler. Middlewares form an onion: the first
	// registered runs outermost, the innermost next invokes the handler.
	Middleware[M Message] func(next HandlerFunc[M]) HandlerFunc[M]

	CommandHandler    = HandlerFunc[Command]
	QueryHandler      = HandlerFunc[Query]
	CommandMiddleware = Middleware[Command]
	QueryMiddleware   = Middleware[Query]
)

func applyMiddlewares[M Message](h HandlerFunc[M], mws []Middleware[M]) HandlerFunc[M] {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}
