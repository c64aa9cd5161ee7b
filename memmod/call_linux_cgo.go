//go:build linux && amd64 && cgo

package memmod

/*
#include <stdint.h>

typedef int (*kmodld_int_fn)(void);
typedef void (*kmodld_void_fn)(void);

static int kmodld_call_int(uintptr_t fn) {
	return ((kmodld_int_fn)fn)();
}

static void kmodld_call_void(uintptr_t fn) {
	((kmodld_void_fn)fn)();
}
*/
import "C"

// HostInvoker jumps to entry points on the calling thread. The image must
// sit in executable host memory, such as blocks from kmem.Arena.
type HostInvoker struct{}

func (HostInvoker) Invoke(ep EntryPoint) (int32, error) {
	if err := ep.Validate(); err != nil {
		return 0, err
	}
	switch ep.Conv {
	case ConvVoid:
		C.kmodld_call_void(C.uintptr_t(ep.Addr))
		return 0, nil
	default:
		return int32(C.kmodld_call_int(C.uintptr_t(ep.Addr))), nil
	}
}
