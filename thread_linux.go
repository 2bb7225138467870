//go:build linux

package dynhook

import "golang.org/x/sys/unix"

func currentThread() int { return unix.Gettid() }
