package media

import "context"

// Source is a connected camera transport producing access units. The pipeline
// graph owns the goroutine calling Run; implementations reconnect internally
// after the first successful connect.
type Source interface {
	// Run connects and delivers frames to h until ctx is canceled. A failure
	// to establish the first connection returns SourceUnreachable; transient
	// failures after that trigger OnSourceLost/OnSourceRecovered instead.
	Run(ctx context.Context, h SourceHandler) error
}

// SourceHandler receives source lifecycle callbacks. Calls are serialized.
type SourceHandler interface {
	// OnTrack fires after each (re)connect with the negotiated track.
	OnTrack(info *TrackInfo)
	OnAccessUnit(au *AccessUnit)
	OnSourceLost(err error)
	OnSourceRecovered()
}
