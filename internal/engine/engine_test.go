package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/retroenv/retrogolib/assert"
	"github.com/retroenv/retrogolib/log"

	"github.com/retrotools/disnes/internal/bank"
	"github.com/retrotools/disnes/internal/cdl"
	"github.com/retrotools/disnes/internal/memory"
)

// testBankData builds a 16 KB bank image with the given program at the
// start and all interrupt vectors pointing at the start of the bank.
func testBankData(program []byte) []byte {
	data := make([]byte, 0x4000)
	copy(data, program)
	data[0x3ffa], data[0x3ffb] = 0x00, 0xc0 // NMI
	data[0x3ffc], data[0x3ffd] = 0x00, 0xc0 // RESET
	data[0x3ffe], data[0x3fff] = 0x00, 0xc0 // IRQ
	return data
}

// newTestEngine maps the bank image as a fixed bank at $C000 and returns
// the engine, its store and the Code/Data log path of the bank.
func newTestEngine(t *testing.T, data []byte, config Config) (*Engine, *cdl.Store, string) {
	t.Helper()

	dir := t.TempDir()
	romPath := filepath.Join(dir, "test.bin")
	assert.NoError(t, os.WriteFile(romPath, data, 0o644))
	cdlPath := filepath.Join(dir, "test.cdl")

	space, err := memory.BuildAddressSpace([]memory.Region{
		{Start: 0x0000, Len: 0x800, Readable: true, Writable: true, Executable: true},
		{Start: 0xc000, Len: 0x4000, Readable: true, Executable: true},
	})
	assert.NoError(t, err)

	banks, err := bank.NewSet(log.NewTestLogger(t), []bank.Desc{
		{Name: "prg", Start: 0xc000, Len: 0x4000, File: romPath, Cdl: cdlPath, Fixed: true},
	})
	assert.NoError(t, err)

	store := cdl.NewStore()
	eng := New(log.NewTestLogger(t), config, space, banks, store, bank.Snapshot{})
	return eng, store, cdlPath
}

func TestRunLinearProgram(t *testing.T) {
	data := testBankData([]byte{0xea, 0xa9, 0x01, 0x60}) // nop, lda #1, rts
	eng, store, cdlPath := newTestEngine(t, data, Config{UseReset: true})

	assert.NoError(t, eng.Run(context.Background()))

	for offset := uint64(0); offset < 4; offset++ {
		assert.True(t, store.IsCode(cdlPath, offset))
	}
	// traversal stops at rts
	assert.False(t, store.IsCode(cdlPath, 4))
	assert.False(t, store.IsCode(cdlPath, 0x3ffc))
	assert.Equal(t, int64(4), eng.marked.Load())
}

func TestRunBranchFollowsBothPaths(t *testing.T) {
	// bne +1, rts, nop, rts
	data := testBankData([]byte{0xd0, 0x01, 0x60, 0xea, 0x60})
	eng, store, cdlPath := newTestEngine(t, data, Config{UseReset: true})

	assert.NoError(t, eng.Run(context.Background()))

	for offset := uint64(0); offset < 5; offset++ {
		assert.True(t, store.IsCode(cdlPath, offset))
	}
	assert.False(t, store.IsCode(cdlPath, 5))
}

func TestRunCallMarksSubroutineAndReturn(t *testing.T) {
	program := make([]byte, 0x20)
	copy(program, []byte{0x20, 0x10, 0xc0, 0x60}) // jsr $c010, rts
	program[0x10] = 0x60                          // rts
	eng, store, cdlPath := newTestEngine(t, testBankData(program), Config{UseReset: true})

	assert.NoError(t, eng.Run(context.Background()))

	assert.True(t, store.IsCode(cdlPath, 0))
	assert.True(t, store.IsCode(cdlPath, 1))
	assert.True(t, store.IsCode(cdlPath, 2))
	assert.True(t, store.IsCode(cdlPath, 3))
	assert.True(t, store.IsCode(cdlPath, 0x10))
	assert.False(t, store.IsCode(cdlPath, 0x11))
}

func TestRunBrkPolicy(t *testing.T) {
	program := make([]byte, 0x30)
	program[0x00] = 0x00 // brk
	program[0x20] = 0x60 // rts, the IRQ handler
	data := testBankData(program)
	data[0x3ffe], data[0x3fff] = 0x20, 0xc0 // IRQ vector -> $C020

	t.Run("rejected by default", func(t *testing.T) {
		eng, store, cdlPath := newTestEngine(t, data, Config{UseReset: true})
		assert.NoError(t, eng.Run(context.Background()))

		assert.False(t, store.IsCode(cdlPath, 0))
		assert.False(t, store.IsCode(cdlPath, 0x20))
		assert.Equal(t, int64(1), eng.policyRejections.Load())
	})

	t.Run("allowed continues at the IRQ handler", func(t *testing.T) {
		eng, store, cdlPath := newTestEngine(t, data, Config{UseReset: true, AllowBrk: true})
		assert.NoError(t, eng.Run(context.Background()))

		assert.True(t, store.IsCode(cdlPath, 0))
		assert.True(t, store.IsCode(cdlPath, 0x20))
	})
}

func TestRunOpcodeGates(t *testing.T) {
	tests := []struct {
		name   string
		opcode byte
		config Config
		marked bool
	}{
		{"clv rejected", 0xb8, Config{UseReset: true}, false},
		{"clv allowed", 0xb8, Config{UseReset: true, AllowClv: true}, true},
		{"sed rejected", 0xf8, Config{UseReset: true}, false},
		{"sed allowed", 0xf8, Config{UseReset: true, AllowSed: true}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := testBankData([]byte{tt.opcode, 0x60})
			eng, store, cdlPath := newTestEngine(t, data, tt.config)
			assert.NoError(t, eng.Run(context.Background()))

			assert.Equal(t, tt.marked, store.IsCode(cdlPath, 0))
			assert.Equal(t, tt.marked, store.IsCode(cdlPath, 1))
		})
	}
}

func TestRunUnofficialOpcodeRejected(t *testing.T) {
	// unofficial nop, never trusted regardless of configuration
	data := testBankData([]byte{0x1a, 0x60})
	eng, store, cdlPath := newTestEngine(t, data, Config{
		UseReset: true,
		AllowBrk: true, AllowClv: true, AllowSed: true,
	})

	assert.NoError(t, eng.Run(context.Background()))
	assert.False(t, store.IsCode(cdlPath, 0))
	assert.False(t, store.IsCode(cdlPath, 1))
}

func TestEnqueueUnmappedAddressIsDiscarded(t *testing.T) {
	data := testBankData([]byte{0x60})
	eng, store, cdlPath := newTestEngine(t, data, Config{})

	eng.Enqueue(0x2002)
	assert.NoError(t, eng.Run(context.Background()))

	assert.Equal(t, int64(1), eng.visited.Load())
	assert.Equal(t, int64(0), eng.marked.Load())
	assert.False(t, store.IsCode(cdlPath, 0))
}

func TestRunIndirectJump(t *testing.T) {
	program := make([]byte, 0x30)
	copy(program, []byte{0x6c, 0x10, 0xc0}) // jmp ($c010)
	program[0x10], program[0x11] = 0x20, 0xc0
	program[0x20] = 0x60 // rts
	eng, store, cdlPath := newTestEngine(t, testBankData(program), Config{UseReset: true})

	assert.NoError(t, eng.Run(context.Background()))

	assert.True(t, store.IsCode(cdlPath, 0))
	assert.True(t, store.IsCode(cdlPath, 2))
	assert.True(t, store.IsCode(cdlPath, 0x20))
	// the pointer bytes are not part of the instruction stream
	assert.False(t, store.IsCode(cdlPath, 0x10))
}

func TestRunIndirectJumpPageWrapRejected(t *testing.T) {
	program := make([]byte, 0x110)
	copy(program, []byte{0x6c, 0xff, 0xc0}) // jmp ($c0ff), pointer wraps the page
	program[0xff], program[0x100] = 0x20, 0xc0
	program[0x20] = 0x60
	eng, store, cdlPath := newTestEngine(t, testBankData(program), Config{UseReset: true})

	assert.NoError(t, eng.Run(context.Background()))

	// an unfollowable pointer means the bytes are not code
	assert.False(t, store.IsCode(cdlPath, 0))
	assert.False(t, store.IsCode(cdlPath, 0x20))
	assert.Equal(t, int64(1), eng.policyRejections.Load())
}

func TestRunMidInstructionEntry(t *testing.T) {
	// The lda operand at $C001 doubles as the jmp opcode of the NMI
	// handler. Both entry points contribute their successors, so the jmp
	// target gets marked no matter which path is processed first.
	program := make([]byte, 0x100)
	copy(program, []byte{0xa9, 0x4c, 0x20, 0xc0, 0xc0, 0x60}) // lda #$4c / jmp $c020 at $c001
	program[0x20] = 0x60                                      // rts, reachable only through the jmp
	data := testBankData(program)
	data[0x3ffa], data[0x3ffb] = 0x01, 0xc0 // NMI -> $C001

	stores := make([]*cdl.Store, 2)
	paths := make([]string, 2)
	for i, order := range []QueueOrder{FIFO, LIFO} {
		eng, store, cdlPath := newTestEngine(t, data, Config{
			UseReset: true, UseNmi: true, Order: order,
		})
		assert.NoError(t, eng.Run(context.Background()))
		assert.True(t, store.IsCode(cdlPath, 0x20))
		stores[i], paths[i] = store, cdlPath
	}

	for offset := uint64(0); offset < 0x4000; offset++ {
		assert.Equal(t, stores[0].Get(paths[0], offset), stores[1].Get(paths[1], offset))
	}
}

func TestRunOperandPermissionPolicy(t *testing.T) {
	tests := []struct {
		name    string
		program []byte
		marked  bool
	}{
		{
			name:    "store to ram",
			program: []byte{0x8d, 0x00, 0x00, 0x60}, // sta $0000
			marked:  true,
		},
		{
			name:    "store to rom",
			program: []byte{0x8d, 0x00, 0xc0, 0x60}, // sta $c000
			marked:  false,
		},
		{
			name:    "load from ram",
			program: []byte{0xad, 0x00, 0x00, 0x60}, // lda $0000
			marked:  true,
		},
		{
			name:    "load from unmapped memory",
			program: []byte{0xad, 0x00, 0x50, 0x60}, // lda $5000
			marked:  false,
		},
		{
			name:    "indexed store window touching ram",
			program: []byte{0x9d, 0xff, 0x07, 0x60}, // sta $07ff,x
			marked:  true,
		},
		{
			name:    "indexed store window fully unmapped",
			program: []byte{0x9d, 0x00, 0x50, 0x60}, // sta $5000,x
			marked:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng, store, cdlPath := newTestEngine(t, testBankData(tt.program), Config{UseReset: true})
			assert.NoError(t, eng.Run(context.Background()))

			assert.Equal(t, tt.marked, store.IsCode(cdlPath, 0))
			assert.Equal(t, tt.marked, store.IsCode(cdlPath, 3))
			if !tt.marked {
				assert.Equal(t, int64(1), eng.policyRejections.Load())
			}
		})
	}
}

func TestRunWrapsAtTopOfAddressSpace(t *testing.T) {
	data := make([]byte, 0x4000)
	data[0x3ffc], data[0x3ffd] = 0xff, 0xff // RESET -> $FFFF
	data[0x3fff] = 0xea                     // nop, the following address wraps to $0000
	eng, store, cdlPath := newTestEngine(t, data, Config{UseReset: true})

	assert.NoError(t, eng.Run(context.Background()))

	assert.True(t, store.IsCode(cdlPath, 0x3fff))
	// the wrapped successor $0000 has no bank mapped and is discarded
	assert.Equal(t, int64(2), eng.visited.Load())
	assert.Equal(t, int64(1), eng.marked.Load())
}

func TestRunTruncatedAtBankEnd(t *testing.T) {
	data := make([]byte, 0x4000)
	data[0x3ffc], data[0x3ffd] = 0xff, 0xff // RESET -> $FFFF
	data[0x3fff] = 0x4c                     // jmp with no room for its operand
	eng, store, cdlPath := newTestEngine(t, data, Config{UseReset: true})

	assert.NoError(t, eng.Run(context.Background()))

	assert.False(t, store.IsCode(cdlPath, 0x3fff))
	assert.Equal(t, int64(1), eng.decodeErrors.Load())
	assert.Equal(t, int64(0), eng.marked.Load())
}

func TestRunNonExecutableRegion(t *testing.T) {
	dir := t.TempDir()
	romPath := filepath.Join(dir, "test.bin")
	assert.NoError(t, os.WriteFile(romPath, testBankData([]byte{0x60}), 0o644))
	cdlPath := filepath.Join(dir, "test.cdl")

	// the bank window is readable but not executable
	space, err := memory.BuildAddressSpace([]memory.Region{
		{Start: 0xc000, Len: 0x4000, Readable: true},
	})
	assert.NoError(t, err)

	banks, err := bank.NewSet(log.NewTestLogger(t), []bank.Desc{
		{Name: "prg", Start: 0xc000, Len: 0x4000, File: romPath, Cdl: cdlPath, Fixed: true},
	})
	assert.NoError(t, err)

	store := cdl.NewStore()
	eng := New(log.NewTestLogger(t), Config{UseReset: true}, space, banks, store, bank.Snapshot{})

	assert.NoError(t, eng.Run(context.Background()))
	assert.False(t, store.IsCode(cdlPath, 0))
	assert.Equal(t, int64(1), eng.decodeErrors.Load())
}

func TestRunSwitchableBank(t *testing.T) {
	dir := t.TempDir()

	fixedPath := filepath.Join(dir, "fixed.bin")
	fixedData := testBankData([]byte{0x4c, 0x00, 0x80}) // jmp $8000
	assert.NoError(t, os.WriteFile(fixedPath, fixedData, 0o644))
	fixedCdl := filepath.Join(dir, "fixed.cdl")

	switchPath := filepath.Join(dir, "switch.bin")
	switchData := make([]byte, 0x8000)
	switchData[0x0000] = 0x00 // bank0 content
	switchData[0x4000] = 0x60 // bank1 content, rts
	assert.NoError(t, os.WriteFile(switchPath, switchData, 0o644))
	switchCdl := filepath.Join(dir, "switch.cdl")

	space, err := memory.BuildAddressSpace([]memory.Region{
		{Start: 0x8000, Len: 0x8000, Readable: true, Executable: true},
	})
	assert.NoError(t, err)

	banks, err := bank.NewSet(log.NewTestLogger(t), []bank.Desc{
		{Name: "fixed", Start: 0xc000, Len: 0x4000, File: fixedPath, Cdl: fixedCdl, Fixed: true},
		{Name: "bank0", Start: 0x8000, Len: 0x4000, File: switchPath, Cdl: switchCdl},
		{Name: "bank1", Start: 0x8000, Len: 0x4000, File: switchPath, FileOffset: 0x4000,
			Cdl: switchCdl, CdlOffset: 0x4000},
	})
	assert.NoError(t, err)

	bank1, ok := banks.BankByName("bank1")
	assert.True(t, ok)
	snapshot := bank.NewSnapshot(1, map[uint16]int{0x8000: bank1.ID()})

	store := cdl.NewStore()
	eng := New(log.NewTestLogger(t), Config{UseReset: true}, space, banks, store, snapshot)
	assert.NoError(t, eng.Run(context.Background()))

	assert.True(t, store.IsCode(fixedCdl, 0))
	// the instruction at $8000 belongs to the mapped bank's log range
	assert.True(t, store.IsCode(switchCdl, 0x4000))
	assert.False(t, store.IsCode(switchCdl, 0))
}

func TestRunQueueOrderIndependence(t *testing.T) {
	program := make([]byte, 0x40)
	copy(program, []byte{
		0x20, 0x10, 0xc0, // jsr $c010
		0xd0, 0xfb, // bne $c000
		0x60, // rts
	})
	program[0x10] = 0xea // nop
	program[0x11] = 0x60 // rts
	data := testBankData(program)

	engFifo, storeFifo, cdlPath := newTestEngine(t, data, Config{UseReset: true, Order: FIFO})
	assert.NoError(t, engFifo.Run(context.Background()))

	engLifo, storeLifo, lifoCdlPath := newTestEngine(t, data, Config{UseReset: true, Order: LIFO})
	assert.NoError(t, engLifo.Run(context.Background()))

	for offset := uint64(0); offset < 0x4000; offset++ {
		assert.Equal(t, storeFifo.Get(cdlPath, offset), storeLifo.Get(lifoCdlPath, offset))
	}
}

func TestRunIsIdempotent(t *testing.T) {
	data := testBankData([]byte{0xea, 0x60})
	eng, store, cdlPath := newTestEngine(t, data, Config{UseReset: true})
	assert.NoError(t, eng.Run(context.Background()))
	assert.Equal(t, int64(2), eng.marked.Load())

	// a second run over the same store reaches the fixed point immediately
	banks := eng.banks
	space := eng.space
	second := New(log.NewTestLogger(t), Config{UseReset: true}, space, banks, store, bank.Snapshot{})
	assert.NoError(t, second.Run(context.Background()))

	assert.Equal(t, int64(0), second.marked.Load())
	assert.True(t, store.IsCode(cdlPath, 0))
	assert.True(t, store.IsCode(cdlPath, 1))
}

func TestRunParallelWorkersMatchSequential(t *testing.T) {
	program := make([]byte, 0x100)
	copy(program, []byte{
		0x20, 0x20, 0xc0, // jsr $c020
		0x20, 0x30, 0xc0, // jsr $c030
		0x20, 0x40, 0xc0, // jsr $c040
		0x4c, 0x50, 0xc0, // jmp $c050
	})
	program[0x20] = 0x60
	program[0x30] = 0x60
	program[0x40] = 0x60
	copy(program[0x50:], []byte{0xa9, 0x01, 0xd0, 0xfc, 0x60})
	data := testBankData(program)

	sequential, seqStore, cdlPath := newTestEngine(t, data, Config{
		UseReset: true, UseNmi: true, UseIrq: true,
	})
	assert.NoError(t, sequential.Run(context.Background()))

	parallel, parStore, parCdlPath := newTestEngine(t, data, Config{
		UseReset: true, UseNmi: true, UseIrq: true, Workers: 4,
	})
	assert.NoError(t, parallel.Run(context.Background()))

	for offset := uint64(0); offset < 0x4000; offset++ {
		assert.Equal(t, seqStore.Get(cdlPath, offset), parStore.Get(parCdlPath, offset))
	}
}

func TestRunCancelledContext(t *testing.T) {
	data := testBankData([]byte{0xea, 0x60})
	eng, _, _ := newTestEngine(t, data, Config{UseReset: true})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, eng.Run(ctx))
}

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	assert.True(t, config.UseNmi)
	assert.True(t, config.UseReset)
	assert.True(t, config.UseIrq)
	assert.False(t, config.AllowBrk)
	assert.False(t, config.AllowClv)
	assert.False(t, config.AllowSed)
}
