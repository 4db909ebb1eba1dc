// Package calsync keeps local meetings and remote calendar events in step.
//
// Pushes go from the meeting store to the remote calendar through a Pusher.
// Remote changes arrive as webhook notifications, are stored as sync events,
// and are applied by a Dispatcher that always re-reads the remote event
// through a Reconciler instead of trusting the notification body. A
// BatchSyncer re-pushes everything stale for an organization, and Engine ties
// the pieces to credentials and containers.
package calsync
