//go:build !linux

package media

import (
	"context"
	"fmt"
	"runtime"
)

// Devices has no capture drivers outside Linux; the browser owns capture
// there and every call from this agent is receive-only.
type Devices struct{}

func NewDevices() (*Devices, error) { return &Devices{}, nil }

func (d *Devices) UserMedia(context.Context, Constraints) (*Stream, error) {
	return nil, fmt.Errorf("no capture drivers on %s", runtime.GOOS)
}

func (d *Devices) DisplayMedia(context.Context, Constraints) (*Stream, error) {
	return nil, fmt.Errorf("no capture drivers on %s", runtime.GOOS)
}
