// Package notifier implements the Offline Notifier Port (spec §4.10,
// "C10"): a single best-effort call the Publish Pipeline makes for
// users it believes are offline. The push-notification gateway itself
// is an out-of-scope external collaborator (spec §1); this package only
// defines the seam and its no-op default.
package notifier

import "context"

// Notifier pushes a preview to an offline user. Implementations must
// treat ctx's deadline as authoritative and return promptly.
type Notifier interface {
	PushOffline(ctx context.Context, sessionName, userID, preview string) error
}

// Noop is the zero-config default: the Publish Pipeline uses it when it
// is given a nil Notifier. One notifier serves every session; a session's
// notifier config blob is not consulted.
type Noop struct{}

func (Noop) PushOffline(context.Context, string, string, string) error { return nil }

var _ Notifier = Noop{}
