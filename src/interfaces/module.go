package interfaces

import (
	"context"

	"github.com/sirupsen/logrus"
)

// Module is a long-lived component started at boot and closed on shutdown.
// Close must be safe to call after a failed Start.
type Module interface {
	Start(ctx context.Context) error
	Close(ctx context.Context)
}

type Logger struct {
	*logrus.Logger
}
