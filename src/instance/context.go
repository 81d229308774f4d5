package instance

import "context"

type instanceKey struct{}

// Key is the context key under which the Instance travels.
var Key = instanceKey{}

func GetInstance(ctx context.Context) *Instance {
	if s, ok := ctx.Value(Key).(*Instance); ok {
		return s
	}
	return nil
}

// WithInstance derives a context carrying inst.
func WithInstance(ctx context.Context, inst *Instance) context.Context {
	return context.WithValue(ctx, Key, inst)
}
