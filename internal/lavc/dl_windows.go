//go:build windows

package lavc

import (
	"fmt"
	"syscall"
)

// dlopen flags have no meaning on Windows.
const (
	rtldNow    = 0
	rtldGlobal = 0
)

func dlopenLibrary(path string, _ int) (uintptr, error) {
	handle, err := syscall.LoadLibrary(path)
	if err != nil {
		return 0, fmt.Errorf("LoadLibrary %s: %w", path, err)
	}
	return uintptr(handle), nil
}

func dlsymLibrary(handle uintptr, name string) (uintptr, error) {
	addr, err := syscall.GetProcAddress(syscall.Handle(handle), name)
	if err != nil {
		return 0, fmt.Errorf("GetProcAddress(%s): %w", name, err)
	}
	return addr, nil
}

func dlcloseLibrary(handle uintptr) error {
	return syscall.FreeLibrary(syscall.Handle(handle))
}
