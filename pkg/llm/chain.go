package llm

import "context"

// Middleware wraps a Provider with additional behavior.
type Middleware func(next Provider) Provider

type providerFunc struct {
	name     string
	complete func(context.Context, Request) (Response, error)
}

func (f providerFunc) Name() string { return f.name }

func (f providerFunc) Complete(ctx context.Context, req Request) (Response, error) {
	return f.complete(ctx, req)
}

// WrapProvider builds a Provider from a name and a completion function.
func WrapProvider(name string, complete func(context.Context, Request) (Response, error)) Provider {
	return providerFunc{name: name, complete: complete}
}

// Chain composes middlewares around a base provider. Earlier middlewares are outermost:
//
//	Chain(p, mw1, mw2) => mw1 -> mw2 -> p
func Chain(base Provider, middlewares ...Middleware) Provider {
	p := base
	for i := len(middlewares) - 1; i >= 0; i-- {
		p = middlewares[i](p)
	}
	return p
}
