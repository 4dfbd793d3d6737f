// Package event provides the process-wide in-memory pub/sub for domain
// events. Subscriptions are keyed by topic (room:<id>, user:<id>, broadcast)
// and carry bounded queues; publishing never blocks — a saturated subscriber
// drops its oldest event and is flagged as lagging.
package event
