package checkpoint

import (
	"context"
	"time"

	"github.com/replited/replited/pkg/log"
)

type sqlKey int

const beginKey sqlKey = 0

// hooks satisfies sqlhooks.Hooks: logs every statement issued against a
// database's write/read connections and how long it took.
type hooks struct{}

func (h *hooks) Before(ctx context.Context, query string, args ...interface{}) (context.Context, error) {
	log.Debugf("checkpoint: sql %q %v", query, args)
	return context.WithValue(ctx, beginKey, time.Now()), nil
}

func (h *hooks) After(ctx context.Context, query string, args ...interface{}) (context.Context, error) {
	if begin, ok := ctx.Value(beginKey).(time.Time); ok {
		log.Debugf("checkpoint: sql took %s", time.Since(begin))
	}
	return ctx, nil
}
