package ebpf

import (
	"encoding/binary"
	"testing"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/asm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectionSpecMaps(t *testing.T) {
	spec := newCollectionSpec()

	dst := spec.Maps[DestinationsMapName]
	require.NotNil(t, dst)
	assert.Equal(t, ebpf.Hash, dst.Type)
	assert.EqualValues(t, 2, dst.KeySize)
	assert.EqualValues(t, 1, dst.ValueSize)
	assert.EqualValues(t, 64, dst.MaxEntries)

	socks := spec.Maps[SocketsMapName]
	require.NotNil(t, socks)
	assert.Equal(t, ebpf.SockMap, socks.Type)
	assert.EqualValues(t, 4, socks.KeySize)
	assert.EqualValues(t, 8, socks.ValueSize)
	assert.EqualValues(t, 1, socks.MaxEntries)

	prog := spec.Programs[ProgramName]
	require.NotNil(t, prog)
	assert.Equal(t, ebpf.SkLookup, prog.Type)
	assert.Equal(t, ebpf.AttachSkLookup, prog.AttachType)
}

func TestDispatchInstructions(t *testing.T) {
	insns := dispatchInstructions()

	calls := map[asm.BuiltinFunc]int{}
	refs := map[string]int{}
	symbols := map[string]int{}
	returns := 0
	for i, ins := range insns {
		if ins.IsBuiltinCall() {
			calls[asm.BuiltinFunc(ins.Constant)]++
		}
		if ref := ins.Reference(); ref != "" {
			refs[ref]++
		}
		if sym := ins.Symbol(); sym != "" {
			symbols[sym] = i
		}
		if ins.OpCode.JumpOp() == asm.Exit {
			returns++
		}
	}

	assert.Equal(t, 2, calls[asm.FnMapLookupElem])
	assert.Equal(t, 1, calls[asm.FnSkAssign])
	assert.Equal(t, 1, calls[asm.FnSkRelease], "socket reference released on a single path")

	assert.Equal(t, 1, refs[DestinationsMapName])
	assert.Equal(t, 1, refs[SocketsMapName])
	assert.Equal(t, 2, refs[labelDrop], "empty slot and failed assignment both drop")
	assert.Equal(t, 1, refs[labelPass])

	require.Contains(t, symbols, labelPass)
	require.Contains(t, symbols, labelDrop)
	assert.EqualValues(t, skPass, insns[symbols[labelPass]].Constant)
	assert.EqualValues(t, skDrop, insns[symbols[labelDrop]].Constant)
	assert.Equal(t, 2, returns)
}

func TestLookupContextLayout(t *testing.T) {
	// sizeof(struct bpf_sk_lookup)
	assert.Equal(t, 72, binary.Size(LookupContext{}))
}

func TestValidatePorts(t *testing.T) {
	keys, err := validatePorts([]int{443, 8443, 443, 65535, 1})
	require.NoError(t, err)
	assert.Equal(t, []uint16{443, 8443, 65535, 1}, keys)

	for _, bad := range []int{0, -1, 65536} {
		_, err := validatePorts([]int{80, bad})
		assert.ErrorIs(t, err, ErrInvalidPort, "port %d", bad)
	}
}
