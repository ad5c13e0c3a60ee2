//go:build windows

package monitor

import (
	"unsafe"

	"golang.org/x/sys/windows"
)

var procGetCompressedFileSize = windows.NewLazySystemDLL("kernel32.dll").NewProc("GetCompressedFileSizeW")

const invalidFileSize = 0xFFFFFFFF

// allocatedSize returns the bytes allocated to path, which for compressed or
// sparse files is less than the logical size.
func allocatedSize(path string) (int64, error) {
	p, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return 0, err
	}
	var high uint32
	low, _, callErr := procGetCompressedFileSize.Call(uintptr(unsafe.Pointer(p)), uintptr(unsafe.Pointer(&high)))
	if low == invalidFileSize && callErr != windows.ERROR_SUCCESS {
		return 0, callErr
	}
	return int64(high)<<32 | int64(low), nil
}
