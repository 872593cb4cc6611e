//go:build linux

package ebpf

import (
	"errors"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/features"
	"github.com/cilium/ebpf/rlimit"
	"golang.org/x/sys/unix"

	"github.com/SkynetNext/port-dispatcher/pkg/xlog"
)

// Supported reports whether this kernel and process can load and attach an
// sk_lookup program. It removes the memlock rlimit as a side effect.
func Supported() bool {
	if err := rlimit.RemoveMemlock(); err != nil {
		xlog.Warnf("Failed to remove memlock limit: %v", err)
	}
	if !isEBPFSupported() {
		return false
	}
	if err := features.HaveProgramType(ebpf.SkLookup); err != nil {
		if errors.Is(err, ebpf.ErrNotSupported) {
			xlog.Infof("SK_LOOKUP programs are not supported by this kernel (need 5.9+)")
		} else {
			xlog.Debugf("SK_LOOKUP probe failed: %v", err)
		}
		return false
	}
	return true
}

// isEBPFSupported checks that we may create maps at all.
func isEBPFSupported() bool {
	spec := &ebpf.MapSpec{
		Type:       ebpf.Hash,
		KeySize:    4,
		ValueSize:  4,
		MaxEntries: 1,
	}

	m, err := ebpf.NewMap(spec)
	if err != nil {
		if isPermissionError(err) {
			xlog.Debugf("eBPF map creation failed: %v", err)
			xlog.Debugf("Hint: Need CAP_BPF and CAP_NET_ADMIN, or run as root")
		} else {
			xlog.Debugf("eBPF map creation test failed: %v", err)
		}
		return false
	}
	m.Close()

	return true
}

func isPermissionError(err error) bool {
	return errors.Is(err, unix.EPERM)
}
