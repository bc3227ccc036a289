//go:build !linux || !cgo

package journal

import "fmt"

func openSystemDriver() (Driver, error) {
	return nil, fmt.Errorf("systemd journal requires linux with cgo")
}
