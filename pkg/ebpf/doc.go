// Package ebpf steers new connections for a dynamic set of ports to a single
// proxy socket using an sk_lookup program.
//
// # Overview
//
// The kernel runs the dispatcher program for every inbound connection
// lookup in the attached network namespace. The program reads the
// destination port, checks it against the destinations map and, on a hit,
// assigns the proxy listener stored in the sockets map. No per-port
// listeners or NAT rules are required.
//
// # Architecture
//
//	┌──────────────────────────────────────────────────────────┐
//	│                    User Space (Go)                       │
//	│   RegisterPorts / UnregisterPorts    SetProxySocket      │
//	│              │                             │             │
//	└──────────────┼─────────────────────────────┼─────────────┘
//	               │                             │
//	┌──────────────┼─────────────────────────────┼─────────────┐
//	│              ▼     Kernel Space (eBPF)     ▼             │
//	│  ┌────────────────────────┐   ┌────────────────────────┐ │
//	│  │ destinations (HASH)    │   │ sockets (SOCKMAP)      │ │
//	│  │ key: u16 port          │   │ key: u32 0             │ │
//	│  │ value: u8 marker, 64   │   │ value: proxy socket, 1 │ │
//	│  └───────────┬────────────┘   └───────────┬────────────┘ │
//	│              │                            │              │
//	│              ▼                            ▼              │
//	│  ┌─────────────────────────────────────────────────────┐ │
//	│  │           sk_lookup/dispatch (BPF Program)          │ │
//	│  │  - port not registered       -> SK_PASS             │ │
//	│  │  - no proxy socket           -> SK_DROP             │ │
//	│  │  - bpf_sk_assign ok          -> SK_PASS (redirect)  │ │
//	│  │  - bpf_sk_assign failed      -> SK_DROP             │ │
//	│  └─────────────────────────────────────────────────────┘ │
//	└──────────────────────────────────────────────────────────┘
//
// A registered port without a proxy socket fails closed: traffic must not
// reach whatever else happens to listen on that port.
//
// The program is assembled in Go with cilium/ebpf/asm, so no C toolchain or
// generated object files are needed. Decide is the same decision expressed
// over the Registry and SocketTable interfaces.
//
// # Requirements
//
//   - Linux Kernel 5.9+ (sk_lookup, bpf_sk_assign from sk_lookup)
//   - CAP_BPF and CAP_NET_ADMIN, or root
//
// # Usage
//
//	d, err := ebpf.NewDispatcher()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer d.Close()
//
//	ln, _ := net.Listen("tcp", "127.0.0.1:4444")
//	d.SetProxySocket(ln.(*net.TCPListener))
//	d.Attach("")
//	d.RegisterPorts(443, 8443)
//
// # Fallback Strategy
//
// NewDispatcher returns a disabled dispatcher when the kernel or the
// process privileges do not allow sk_lookup; callers then listen on each
// port directly.
package ebpf
