// Package dedupe remembers recently handled chat message IDs so that
// redelivered or replayed messages are answered only once.
package dedupe
