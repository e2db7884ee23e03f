//go:build !linux || !cgo

package dynlib

type Library struct{}

func Open(path string) (*Library, error) {
	_ = path
	return nil, ErrUnsupported
}

func Self() (*Library, error) { return nil, ErrUnsupported }

func (lib *Library) Path() string { return "" }

func (lib *Library) Symbol(name string) (uintptr, error) {
	_ = name
	return 0, ErrUnsupported
}

func (lib *Library) Close() error { return nil }

func Call(fn uintptr, args ...uintptr) (uintptr, error) {
	if err := checkCall(fn, args); err != nil {
		return 0, err
	}
	return 0, ErrUnsupported
}
