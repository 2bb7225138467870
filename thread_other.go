//go:build !linux

package dynhook

// currentThread cannot tell threads apart here; pass WithThreadID to gate
// calls off the main thread.
func currentThread() int { return 0 }
