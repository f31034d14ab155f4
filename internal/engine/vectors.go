package engine

import (
	"github.com/retroenv/retrogolib/arch/cpu/m6502"
	"github.com/retroenv/retrogolib/log"
)

// seedVectors reads the configured interrupt vectors from the top of the
// address space and enqueues the handler addresses. The vectors live in a
// fixed bank, an unmapped or unreadable vector is skipped with a warning.
func (e *Engine) seedVectors() {
	if e.config.UseReset {
		e.seedVector("RESET", m6502.ResetAddress)
	}
	if e.config.UseNmi {
		e.seedVector("NMI", m6502.NMIAddress)
	}
	if e.config.UseIrq {
		e.seedVector("IRQ", m6502.IrqAddress)
	}
}

func (e *Engine) seedVector(name string, vector uint16) {
	handler, ok := e.readVector(vector)
	if !ok {
		e.logger.Warn("Interrupt vector not readable",
			log.String("vector", name),
			log.Hex("address", vector))
		return
	}

	e.logger.Debug("Seeding from interrupt vector",
		log.String("vector", name),
		log.Hex("handler", handler))
	e.Enqueue(handler)
}

// readVector reads a 2 byte little-endian pointer through the bank set.
func (e *Engine) readVector(vector uint16) (uint16, bool) {
	return e.readWord(vector)
}
