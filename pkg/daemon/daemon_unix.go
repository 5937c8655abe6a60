//go:build !windows

package daemon

import "syscall"

func detachedAttributes() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setsid: true}
}
