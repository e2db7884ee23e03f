//go:build linux && cgo

package cgobootstrap

/*
#cgo LDFLAGS: -ldl
#include <dlfcn.h>
*/
import "C"

// Force libdl into linux builds so dlopen and dlsym are mapped even on libcs
// that do not carry them in libc itself.
var _ = C.RTLD_NOW
