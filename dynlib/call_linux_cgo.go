//go:build linux && cgo

package dynlib

/*
#include <stdint.h>

typedef uintptr_t word;

// dynlib_call invokes fn with the first n words of args. Every argument and
// the result travel in integer registers, which covers the pointer and int
// signatures bound here.
static word dynlib_call(word fn, int n, const word *args) {
	switch (n) {
	case 0:
		return ((word (*)(void))fn)();
	case 1:
		return ((word (*)(word))fn)(args[0]);
	case 2:
		return ((word (*)(word, word))fn)(args[0], args[1]);
	case 3:
		return ((word (*)(word, word, word))fn)(args[0], args[1], args[2]);
	case 4:
		return ((word (*)(word, word, word, word))fn)(args[0], args[1], args[2], args[3]);
	}
	return 0;
}
*/
import "C"

import "unsafe"

func trampoline(fn uintptr, args ...uintptr) uintptr {
	var words [MaxArgs]C.word
	for i, a := range args {
		words[i] = C.word(a)
	}
	return uintptr(C.dynlib_call(C.word(fn), C.int(len(args)), &words[0]))
}

// goString copies a C string owned by libc.
func goString(p uintptr) string {
	if p == 0 {
		return ""
	}
	return C.GoString((*C.char)(unsafe.Pointer(p)))
}
