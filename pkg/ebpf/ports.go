package ebpf

import (
	"errors"
	"fmt"
)

var (
	ErrNotEnabled      = errors.New("sk_lookup dispatch not enabled")
	ErrAlreadyAttached = errors.New("dispatcher already attached")
	ErrRegistryFull    = fmt.Errorf("destinations map full (max %d ports)", MaxDestinations)
	ErrInvalidPort     = errors.New("invalid port")
)

// validatePorts converts ports to map keys, rejecting anything outside
// 1-65535. Duplicates are folded.
func validatePorts(ports []int) ([]uint16, error) {
	seen := make(map[uint16]struct{}, len(ports))
	keys := make([]uint16, 0, len(ports))
	for _, p := range ports {
		if p <= 0 || p > 0xffff {
			return nil, fmt.Errorf("%w: %d", ErrInvalidPort, p)
		}
		k := uint16(p)
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
	}
	return keys, nil
}
