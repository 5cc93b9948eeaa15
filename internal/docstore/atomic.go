package docstore

import "sync/atomic"

// atomicBool is a tiny helper for the connected flag touched by Ping from
// whatever goroutine calls it and read from the change-feed poller.
type atomicBool struct {
	v atomic.Bool
}

func (b *atomicBool) set(val bool) { b.v.Store(val) }
func (b *atomicBool) get() bool    { return b.v.Load() }
