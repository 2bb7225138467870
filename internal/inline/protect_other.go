//go:build !unix

package inline

import "errors"

func protectPages(addr, size uintptr, writable bool) error {
	return errors.New("page protection not supported on this platform")
}
