package lifecycle

import (
	"context"

	"glowkeeper/logging"
)

const (
	// EventViewerConnected is emitted when a viewer joins.
	EventViewerConnected logging.EventType = "lifecycle.viewer_connected"
	// EventViewerDisconnected is emitted when a viewer leaves.
	EventViewerDisconnected logging.EventType = "lifecycle.viewer_disconnected"
)

// ViewerDisconnectedPayload captures the reason a viewer left.
type ViewerDisconnectedPayload struct {
	Reason string `json:"reason"`
}

// ViewerConnected publishes a viewer join event.
func ViewerConnected(ctx context.Context, pub logging.Publisher, viewer string) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventViewerConnected,
		Actor:    logging.ViewerRef(viewer),
		Severity: logging.SeverityInfo,
		Category: logging.CategoryLifecycle,
	})
}

// ViewerDisconnected publishes a viewer disconnect event.
func ViewerDisconnected(ctx context.Context, pub logging.Publisher, viewer string, payload ViewerDisconnectedPayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventViewerDisconnected,
		Actor:    logging.ViewerRef(viewer),
		Severity: logging.SeverityInfo,
		Category: logging.CategoryLifecycle,
		Payload:  payload,
	})
}
