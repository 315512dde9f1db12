// Package metrics aggregates request tracking events.
//
// The tracker calls Sink.Notify once per request; the call never blocks and
// drops the event when the buffer is full. A worker goroutine folds events
// into a Snapshot and into Prometheus collectors registered on the injected
// registry. When an Exporter is configured, snapshots are pushed on a cron
// schedule and once more on Close.
package metrics
