//go:build linux

package canbus

import (
	"fmt"

	fcan "github.com/FabianPetersen/can"
)

// Open binds a bus to a SocketCAN interface such as can0.
func Open(iface string) (*Backend, error) {
	bus, err := fcan.NewBusForInterfaceWithName(iface)
	if err != nil {
		return nil, fmt.Errorf("canbus open %s: %w", iface, err)
	}
	return New(bus), nil
}
