// Package progress turns queue status transitions into progress events and
// fans them out to pluggable sinks. The Hub batches events on a background
// goroutine so slow sinks such as Postgres or object storage never stall
// queue notification delivery.
package progress
