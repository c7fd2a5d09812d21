// Package contract names the host collaborators the glow pipeline consumes:
// the update transport, the outbound interception point and the viewer
// lifecycle feed.
package contract

import (
	"context"
	"errors"

	"glowkeeper/internal/proto"
)

// ErrUnknownViewer is returned when an update targets a viewer that is not
// connected.
var ErrUnknownViewer = errors.New("unknown viewer")

// Transform inspects an outbound entity update addressed to viewer and
// returns the updates to write in its place, in order. Returning the update
// unchanged is a pass-through.
type Transform func(ctx context.Context, viewer string, update proto.EntityUpdate) []proto.EntityUpdate

// Transport writes updates to a viewer without running transforms.
type Transport interface {
	SendUpdate(ctx context.Context, viewer string, update proto.EntityUpdate) error
}

// Interception registers transforms that run on every broadcast update.
type Interception interface {
	Intercept(transform Transform)
}

// LifecycleListener receives viewer connect and disconnect notifications.
type LifecycleListener interface {
	ViewerConnected(viewer string)
	ViewerDisconnected(viewer string)
}

// LifecycleFeed delivers viewer lifecycle notifications to listeners.
type LifecycleFeed interface {
	OnLifecycle(listener LifecycleListener)
}
