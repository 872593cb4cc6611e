package ebpf

import (
	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/asm"
	"go.uber.org/multierr"
)

const (
	// MaxDestinations is the capacity of the destinations map.
	MaxDestinations = 64
	// MaxSockets is the capacity of the sockets map.
	MaxSockets = 1
	// SocketKey is the only index used in the sockets map.
	SocketKey uint32 = 0

	ProgramName         = "dispatch"
	DestinationsMapName = "destinations"
	SocketsMapName      = "sockets"
)

// Offset of local_port in struct bpf_sk_lookup.
const lookupLocalPortOffset = 60

const (
	labelPass = "pass"
	labelDrop = "drop"
)

// LookupContext mirrors struct bpf_sk_lookup. It is the context passed to
// BPF_PROG_TEST_RUN; Cookie is filled with the selected socket on return.
type LookupContext struct {
	Cookie         uint64
	Family         uint32
	Protocol       uint32
	RemoteIP4      uint32
	RemoteIP6      [4]uint32
	RemotePort     uint16 // network byte order
	_              uint16
	LocalIP4       uint32
	LocalIP6       [4]uint32
	LocalPort      uint32 // host byte order
	IngressIfindex uint32
	_              uint32
}

// dispatchInstructions is the sk_lookup program. R6 holds the context, R7
// the socket taken from the sockets map and R8 the bpf_sk_assign result, so
// the reference is released on the single path that acquired it.
func dispatchInstructions() asm.Instructions {
	return asm.Instructions{
		asm.Mov.Reg(asm.R6, asm.R1),

		// port = ctx->local_port
		asm.LoadMem(asm.R2, asm.R6, lookupLocalPortOffset, asm.Word),
		asm.StoreMem(asm.RFP, -2, asm.R2, asm.Half),

		// bpf_map_lookup_elem(&destinations, &port)
		asm.LoadMapPtr(asm.R1, 0).WithReference(DestinationsMapName),
		asm.Mov.Reg(asm.R2, asm.RFP),
		asm.Add.Imm(asm.R2, -2),
		asm.FnMapLookupElem.Call(),
		asm.JEq.Imm(asm.R0, 0, labelPass),

		// sk = bpf_map_lookup_elem(&sockets, &zero)
		asm.StoreImm(asm.RFP, -8, int64(SocketKey), asm.Word),
		asm.LoadMapPtr(asm.R1, 0).WithReference(SocketsMapName),
		asm.Mov.Reg(asm.R2, asm.RFP),
		asm.Add.Imm(asm.R2, -8),
		asm.FnMapLookupElem.Call(),
		asm.JEq.Imm(asm.R0, 0, labelDrop),
		asm.Mov.Reg(asm.R7, asm.R0),

		// err = bpf_sk_assign(ctx, sk, 0)
		asm.Mov.Reg(asm.R1, asm.R6),
		asm.Mov.Reg(asm.R2, asm.R7),
		asm.Mov.Imm(asm.R3, 0),
		asm.FnSkAssign.Call(),
		asm.Mov.Reg(asm.R8, asm.R0),

		// bpf_sk_release(sk)
		asm.Mov.Reg(asm.R1, asm.R7),
		asm.FnSkRelease.Call(),
		asm.JNE.Imm(asm.R8, 0, labelDrop),

		asm.Mov.Imm(asm.R0, skPass).WithSymbol(labelPass),
		asm.Return(),

		asm.Mov.Imm(asm.R0, skDrop).WithSymbol(labelDrop),
		asm.Return(),
	}
}

func destinationsSpec() *ebpf.MapSpec {
	return &ebpf.MapSpec{
		Name:       DestinationsMapName,
		Type:       ebpf.Hash,
		KeySize:    2, // __u16 port
		ValueSize:  1, // __u8 marker
		MaxEntries: MaxDestinations,
	}
}

func socketsSpec() *ebpf.MapSpec {
	return &ebpf.MapSpec{
		Name:       SocketsMapName,
		Type:       ebpf.SockMap,
		KeySize:    4, // __u32 index
		ValueSize:  8, // __u64 fd in, cookie out
		MaxEntries: MaxSockets,
	}
}

// newCollectionSpec returns the maps and the dispatcher program. Map
// references in the program are resolved by name at load time.
func newCollectionSpec() *ebpf.CollectionSpec {
	return &ebpf.CollectionSpec{
		Maps: map[string]*ebpf.MapSpec{
			DestinationsMapName: destinationsSpec(),
			SocketsMapName:      socketsSpec(),
		},
		Programs: map[string]*ebpf.ProgramSpec{
			ProgramName: {
				Name:         ProgramName,
				Type:         ebpf.SkLookup,
				AttachType:   ebpf.AttachSkLookup,
				Instructions: dispatchInstructions(),
				License:      "GPL",
			},
		},
	}
}

type bpfObjects struct {
	Dispatch     *ebpf.Program `ebpf:"dispatch"`
	Destinations *ebpf.Map     `ebpf:"destinations"`
	Sockets      *ebpf.Map     `ebpf:"sockets"`
}

func loadBpfObjects(objs *bpfObjects, opts *ebpf.CollectionOptions) error {
	return newCollectionSpec().LoadAndAssign(objs, opts)
}

func (o *bpfObjects) Close() error {
	var err error
	if o.Dispatch != nil {
		err = multierr.Append(err, o.Dispatch.Close())
	}
	if o.Destinations != nil {
		err = multierr.Append(err, o.Destinations.Close())
	}
	if o.Sockets != nil {
		err = multierr.Append(err, o.Sockets.Close())
	}
	return err
}
