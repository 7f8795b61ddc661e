package helvarnet

import (
	"fmt"
	"strconv"
	"strings"
)

// Address represents a HelvarNet device address in 4-level format.
//
// Format: Cluster.Router.Subnet.Device
//   - Cluster: 0-253
//   - Router:  1-254
//   - Subnet:  1-4 (1-2 DALI, 3-4 S-DIM/DMX depending on router model)
//   - Device:  1-255
type Address struct {
	Cluster uint8
	Router  uint8
	Subnet  uint8
	Device  uint8
}

// Address limits per the HelvarNet specification.
const (
	maxCluster = 253
	minRouter  = 1
	maxRouter  = 254
	minSubnet  = 1
	maxSubnet  = 4
	minDevice  = 1
	maxDevice  = 255

	// addressLevelCount is the number of levels in a device address.
	addressLevelCount = 4
)

// ParseAddress parses a 4-level device address string.
//
// Accepts formats:
//   - "1.2.3.4" — bare address
//   - "@1.2.3.4" — address as it appears in wire frames
//
// Parameters:
//   - s: Device address string
//
// Returns:
//   - Address: Parsed address
//   - error: ErrInvalidAddress if parsing fails
func ParseAddress(s string) (Address, error) {
	s = strings.TrimPrefix(s, "@")

	parts := strings.Split(s, ".")
	if len(parts) != addressLevelCount {
		return Address{}, fmt.Errorf("%w: expected cluster.router.subnet.device, got %q", ErrInvalidAddress, s)
	}

	cluster, err := strconv.ParseUint(parts[0], 10, 8)
	if err != nil || cluster > maxCluster {
		return Address{}, fmt.Errorf("%w: cluster must be 0-%d, got %q", ErrInvalidAddress, maxCluster, parts[0])
	}

	router, err := strconv.ParseUint(parts[1], 10, 8)
	if err != nil || router < minRouter || router > maxRouter {
		return Address{}, fmt.Errorf("%w: router must be %d-%d, got %q", ErrInvalidAddress, minRouter, maxRouter, parts[1])
	}

	subnet, err := strconv.ParseUint(parts[2], 10, 8)
	if err != nil || subnet < minSubnet || subnet > maxSubnet {
		return Address{}, fmt.Errorf("%w: subnet must be %d-%d, got %q", ErrInvalidAddress, minSubnet, maxSubnet, parts[2])
	}

	device, err := strconv.ParseUint(parts[3], 10, 8)
	if err != nil || device < minDevice {
		return Address{}, fmt.Errorf("%w: device must be %d-%d, got %q", ErrInvalidAddress, minDevice, maxDevice, parts[3])
	}

	return Address{
		Cluster: uint8(cluster),
		Router:  uint8(router),
		Subnet:  uint8(subnet),
		Device:  uint8(device),
	}, nil
}

// String returns the address in 4-level dotted format.
//
// Example: "1.2.3.4"
func (a Address) String() string {
	return fmt.Sprintf("%d.%d.%d.%d", a.Cluster, a.Router, a.Subnet, a.Device)
}

// Wire returns the address as it appears in protocol frames.
//
// Example: "@1.2.3.4"
func (a Address) Wire() string {
	return "@" + a.String()
}

// IsZero returns true if the address is the zero value.
// The zero value is never a valid device address (router and device
// numbers start at 1).
func (a Address) IsZero() bool {
	return a == Address{}
}

// DeviceKey returns the subscription bus key for a device address.
func DeviceKey(a Address) string {
	return a.String()
}

// GroupKey returns the subscription bus key for a group ID.
func GroupKey(id int) string {
	return "group:" + strconv.Itoa(id)
}
