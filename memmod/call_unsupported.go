//go:build !(linux && amd64 && cgo)

package memmod

import "errors"

type HostInvoker struct{}

func (HostInvoker) Invoke(ep EntryPoint) (int32, error) {
	_ = ep
	return 0, errors.Join(ErrCallingUnsupported, errors.New("host calls need linux/amd64 with cgo"))
}
