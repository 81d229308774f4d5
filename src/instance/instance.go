package instance

import (
	"sync"

	"github.com/bluele/gcache"

	"github.com/camnvr/camnvr/src/interfaces"
)

// Instance carries the process-wide components. It is created once in cmd and
// passed down through the context; nothing else is a global singleton.
type Instance struct {
	WaitGroup sync.WaitGroup
	Cache     gcache.Cache

	Logger *interfaces.Logger

	// Store is *store.Store; kept as interface{} here to avoid an import
	// cycle with packages that both live on the instance and use the store.
	Store interface{}

	Engine           interface{}
	RecordingManager interfaces.Module
	SessionManager   interfaces.Module
	ScheduleManager  interfaces.Module
	CleanupManager   interfaces.Module
	EventIngestor    interfaces.Module
	Archiver         interfaces.Module
	Server           interfaces.Module
	EventDispatcher  interfaces.Module
}
