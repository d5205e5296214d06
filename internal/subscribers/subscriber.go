package subscribers

import (
	"context"

	"github.com/largeweb/skapp/internal/event"
)

type Subscriber interface {
	Name() string
	Handle(context.Context, event.Envelope) error
}
