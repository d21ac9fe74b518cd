//go:build !linux

package canbus

import "errors"

func Open(string) (*Backend, error) {
	return nil, errors.New("canbus: unsupported on this platform")
}
