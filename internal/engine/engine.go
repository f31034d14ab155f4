// Package engine implements the control-flow traversal that classifies
// reachable bytes as code and records the result in the Code/Data log.
package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/retroenv/retrogolib/arch/cpu/m6502"
	"github.com/retroenv/retrogolib/arch/system/nes/codedatalog"
	"github.com/retroenv/retrogolib/log"
	"github.com/retroenv/retrogolib/set"
	"golang.org/x/sync/errgroup"

	"github.com/retrotools/disnes/internal/bank"
	"github.com/retrotools/disnes/internal/cdl"
	"github.com/retrotools/disnes/internal/disasm"
	"github.com/retrotools/disnes/internal/memory"
)

// QueueOrder selects the work queue discipline. The final Code/Data log
// content does not depend on it, only visitation order does.
type QueueOrder int

const (
	FIFO QueueOrder = iota
	LIFO
)

// Config controls which interrupt vectors seed the traversal and which
// otherwise-legal opcodes are trusted. Games that avoid brk, clv and sed
// are common, encountering one usually means the traversal drifted into
// data; the gates are heuristics and can be lifted per configuration.
type Config struct {
	UseNmi   bool
	UseReset bool
	UseIrq   bool

	AllowBrk bool
	AllowClv bool
	AllowSed bool

	Order   QueueOrder
	Workers int // number of traversal workers, 0 or 1 runs sequentially
}

// DefaultConfig returns the default analysis configuration: all vectors
// seeded, no opcode gates lifted.
func DefaultConfig() Config {
	return Config{
		UseNmi:   true,
		UseReset: true,
		UseIrq:   true,
	}
}

// Engine drives the traversal over an immutable address space and bank
// set, mutating only the Code/Data log store.
type Engine struct {
	logger   *log.Logger
	config   Config
	space    *memory.AddressSpace
	banks    *bank.Set
	store    *cdl.Store
	snapshot bank.Snapshot

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []uint16
	queued set.Set[uint16]
	active int

	visited          atomic.Int64
	marked           atomic.Int64
	policyRejections atomic.Int64
	decodeErrors     atomic.Int64
}

// New creates an analysis engine. The snapshot supplies the mapper state,
// which bank occupies each switchable window for the whole run.
func New(logger *log.Logger, config Config, space *memory.AddressSpace,
	banks *bank.Set, store *cdl.Store, snapshot bank.Snapshot) *Engine {

	e := &Engine{
		logger:   logger,
		config:   config,
		space:    space,
		banks:    banks,
		store:    store,
		snapshot: snapshot,
		queued:   set.New[uint16](),
	}
	e.cond = sync.NewCond(&e.mu)
	return e
}

// Run seeds the queue from the configured interrupt vectors and processes
// addresses until the queue is exhausted. It terminates on every input:
// the queued set bounds the run to at most one decode per address.
func (e *Engine) Run(ctx context.Context) error {
	e.seedVectors()

	workers := e.config.Workers
	if workers < 1 {
		workers = 1
	}

	g, ctx := errgroup.WithContext(ctx)
	for range workers {
		g.Go(func() error {
			return e.work(ctx)
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("traversal: %w", err)
	}

	e.logger.Info("Analysis finished",
		log.Int("visited", int(e.visited.Load())),
		log.Int("bytes_marked", int(e.marked.Load())),
		log.Int("policy_rejections", int(e.policyRejections.Load())),
		log.Int("decode_errors", int(e.decodeErrors.Load())),
	)
	return nil
}

// work pops addresses until the queue is empty and no other worker can
// still produce new entries.
func (e *Engine) work(ctx context.Context) error {
	for {
		e.mu.Lock()
		for len(e.queue) == 0 && e.active > 0 {
			e.cond.Wait()
		}
		if len(e.queue) == 0 {
			e.cond.Broadcast()
			e.mu.Unlock()
			return nil
		}
		addr := e.popLocked()
		e.active++
		e.mu.Unlock()

		var successors []uint16
		err := ctx.Err()
		if err == nil {
			successors = e.step(addr)
		}

		e.mu.Lock()
		for _, successor := range successors {
			e.enqueueLocked(successor)
		}
		e.active--
		e.cond.Broadcast()
		e.mu.Unlock()

		if err != nil {
			return err
		}
	}
}

func (e *Engine) popLocked() uint16 {
	var addr uint16
	if e.config.Order == LIFO {
		addr = e.queue[len(e.queue)-1]
		e.queue = e.queue[:len(e.queue)-1]
	} else {
		addr = e.queue[0]
		e.queue = e.queue[1:]
	}
	return addr
}

func (e *Engine) enqueueLocked(addr uint16) {
	if _, ok := e.queued[addr]; ok {
		return
	}
	e.queued[addr] = struct{}{}
	e.queue = append(e.queue, addr)
}

// Enqueue adds an address to the traversal frontier. Addresses already
// enqueued during this run are ignored.
func (e *Engine) Enqueue(addr uint16) {
	e.mu.Lock()
	e.enqueueLocked(addr)
	e.mu.Unlock()
}

// step processes a single frontier address and returns its successors.
// All failure modes discard the path without propagating an error.
func (e *Engine) step(addr uint16) []uint16 {
	e.visited.Add(1)

	bnk, localOffset, ok := e.banks.Resolve(addr, e.snapshot)
	if !ok {
		e.logger.Debug("No bank mapped", log.Hex("address", addr))
		return nil
	}
	if !bnk.Usable() {
		return nil
	}

	ins, err := e.decodeAt(addr, bnk, localOffset)
	if err != nil {
		e.decodeErrors.Add(1)
		e.logger.Debug("Discarding undecodable path",
			log.Hex("address", addr),
			log.Err(err))
		return nil
	}

	if rejected, reason := e.rejectedByPolicy(ins); rejected {
		e.policyRejections.Add(1)
		e.logger.Debug("Opcode rejected by policy",
			log.Hex("address", addr),
			log.String("instruction", ins.Name),
			log.String("reason", reason))
		return nil
	}

	// Marking is idempotent and successors are computed regardless of
	// prior marks, so the reachable set and the final log do not depend
	// on visitation order; paths entering the middle of an instruction
	// marked earlier still contribute their own successors.
	cdlFile, cdlOffset := bnk.CdlAddress(localOffset)
	for i := range ins.Size {
		if e.store.Mark(cdlFile, cdlOffset+uint64(i), codedatalog.Code) {
			e.marked.Add(1)
		}
	}

	return e.successors(addr, ins)
}

// decodeAt gathers the bytes and permissions of the instruction window,
// bounded by the end of the active bank, and decodes.
func (e *Engine) decodeAt(addr uint16, bnk *bank.Bank, localOffset uint32) (disasm.Instruction, error) {
	available := bnk.Len() - localOffset
	if available > uint32(m6502.MaxOpcodeSize) {
		available = uint32(m6502.MaxOpcodeSize)
	}
	if int(addr)+int(available) > memory.AddressSpaceSize {
		available = uint32(memory.AddressSpaceSize - int(addr))
	}

	data := make([]byte, 0, available)
	perms := make([]memory.Permission, 0, available)
	for i := range available {
		b, err := bnk.ReadByte(localOffset + i)
		if err != nil {
			return disasm.Instruction{}, err
		}
		data = append(data, b)
		perms = append(perms, e.space.Permissions(addr+uint16(i)))
	}

	return disasm.Decode(addr, data, perms)
}

// rejectedByPolicy applies the instruction legality policy: unofficial
// opcodes are never trusted, brk, clv and sed only when allowed, operand
// pointers must not wrap a page boundary, and an instruction whose operand
// can only touch memory it lacks the permission for is treated as
// misinterpreted data.
func (e *Engine) rejectedByPolicy(ins disasm.Instruction) (bool, string) {
	if ins.Unofficial {
		return true, "unofficial opcode"
	}

	switch ins.Name {
	case m6502.BrkName:
		if !e.config.AllowBrk {
			return true, "brk not allowed"
		}
	case m6502.ClvName:
		if !e.config.AllowClv {
			return true, "clv not allowed"
		}
	case m6502.SedName:
		if !e.config.AllowSed {
			return true, "sed not allowed"
		}
	}

	if wrappingPointer(ins) {
		return true, "operand pointer wraps page boundary"
	}
	if start, count, ok := readRange(ins); ok && !e.anyReadable(start, count) {
		return true, "reads unreadable memory"
	}
	if start, count, ok := writeRange(ins); ok && !e.anyWritable(start, count) {
		return true, "writes unwritable memory"
	}
	return false, ""
}

// wrappingPointer reports whether the operand is a pointer that wraps a
// page boundary, which the 6502 cannot follow.
func wrappingPointer(ins disasm.Instruction) bool {
	switch ins.Addressing {
	case m6502.IndirectAddressing:
		return ins.Operand&0x00ff == 0x00ff
	case m6502.IndirectXAddressing, m6502.IndirectYAddressing:
		return ins.Operand == 0xff
	}
	return false
}

// readRange returns the address range the instruction may read from, not
// counting the opcode fetch itself. Indirect modes always read their
// pointer; indexed modes can touch any byte of the indexed window.
func readRange(ins disasm.Instruction) (uint16, uint32, bool) {
	switch ins.Addressing {
	case m6502.IndirectAddressing, m6502.IndirectYAddressing:
		return ins.Operand, 2, true
	case m6502.IndirectXAddressing:
		// any zero page byte can hold the pointer
		return 0, 0x100, true
	}

	if !readsMemory(ins.Name) {
		return 0, 0, false
	}
	switch ins.Addressing {
	case m6502.ZeroPageAddressing, m6502.AbsoluteAddressing:
		return ins.Operand, 1, true
	case m6502.ZeroPageXAddressing, m6502.ZeroPageYAddressing:
		return 0, 0x100, true
	case m6502.AbsoluteXAddressing, m6502.AbsoluteYAddressing:
		return ins.Operand, 0x100, true
	}
	return 0, 0, false
}

// writeRange returns the address range the instruction may write to.
// Where the indirect pointer leads is not tracked, zero page content is
// usually not statically known.
func writeRange(ins disasm.Instruction) (uint16, uint32, bool) {
	if !writesMemory(ins.Name) {
		return 0, 0, false
	}
	switch ins.Addressing {
	case m6502.ZeroPageAddressing, m6502.AbsoluteAddressing:
		return ins.Operand, 1, true
	case m6502.ZeroPageXAddressing, m6502.ZeroPageYAddressing:
		return 0, 0x100, true
	case m6502.AbsoluteXAddressing, m6502.AbsoluteYAddressing:
		return ins.Operand, 0x100, true
	}
	return 0, 0, false
}

func readsMemory(name string) bool {
	if m6502.MemoryReadInstructions.Contains(name) {
		return true
	}
	return m6502.MemoryReadWriteInstructions.Contains(name)
}

func writesMemory(name string) bool {
	if m6502.MemoryWriteInstructions.Contains(name) {
		return true
	}
	return m6502.MemoryReadWriteInstructions.Contains(name)
}

func (e *Engine) anyReadable(start uint16, count uint32) bool {
	for i := uint32(0); i < count; i++ {
		if e.space.Permissions(start + uint16(i)).Readable() {
			return true
		}
	}
	return false
}

func (e *Engine) anyWritable(start uint16, count uint32) bool {
	for i := uint32(0); i < count; i++ {
		if e.space.Permissions(start + uint16(i)).Writable() {
			return true
		}
	}
	return false
}

// successors computes the follow-up addresses of a marked instruction.
func (e *Engine) successors(addr uint16, ins disasm.Instruction) []uint16 {
	var result []uint16

	// the program counter wraps at the top of the address space
	next := addr + uint16(ins.Size)

	switch ins.Control.Kind {
	case disasm.KindNone:
		result = append(result, next)

	case disasm.KindBranch:
		result = append(result, ins.Control.Target, next)

	case disasm.KindJump:
		if ins.Control.HasTarget {
			result = append(result, ins.Control.Target)
		} else if target, ok := e.resolveIndirectTarget(ins); ok {
			result = append(result, target)
		}

	case disasm.KindCall:
		result = append(result, ins.Control.Target)
		// the callee may fall through into the return address
		result = append(result, ins.Control.ReturnAddress)

	case disasm.KindInterrupt:
		// brk continues at the IRQ handler
		if target, ok := e.readVector(m6502.IrqAddress); ok {
			result = append(result, target)
		}

	case disasm.KindReturn, disasm.KindInterruptReturn:
		// path terminates
	}

	return result
}

// resolveIndirectTarget follows the pointer of an indirect jump. The
// pointer bytes must be mapped and readable.
func (e *Engine) resolveIndirectTarget(ins disasm.Instruction) (uint16, bool) {
	ptr, ok := ins.IndirectPointer()
	if !ok {
		return 0, false
	}
	if !e.space.Permissions(ptr).Readable() || !e.space.Permissions(ptr+1).Readable() {
		return 0, false
	}
	return e.readWord(ptr)
}

func (e *Engine) readWord(addr uint16) (uint16, bool) {
	low, err := e.banks.ReadByte(addr, e.snapshot)
	if err != nil {
		return 0, false
	}
	high, err := e.banks.ReadByte(addr+1, e.snapshot)
	if err != nil {
		return 0, false
	}
	return uint16(high)<<8 | uint16(low), true
}
