// Package app wires the manifest, bank set, Code/Data log store and
// analysis engine into a complete run.
package app

import (
	"context"
	"fmt"

	"github.com/retroenv/retrogolib/log"

	"github.com/retrotools/disnes/internal/bank"
	"github.com/retrotools/disnes/internal/cdl"
	"github.com/retrotools/disnes/internal/engine"
	"github.com/retrotools/disnes/internal/manifest"
	"github.com/retrotools/disnes/internal/memory"
	"github.com/retrotools/disnes/internal/options"
)

// Run executes one analysis run: load the manifest, construct the address
// space and bank set, preload existing Code/Data logs, traverse and flush.
func Run(ctx context.Context, logger *log.Logger, opts options.Program) error {
	m, err := manifest.Load(opts.Manifest)
	if err != nil {
		return err
	}

	space, err := memory.BuildAddressSpace(m.Regions())
	if err != nil {
		return fmt.Errorf("building address space: %w", err)
	}

	descs := selectBanks(m.BankDescs(), opts.Bank)
	banks, err := bank.NewSet(logger, descs)
	if err != nil {
		return fmt.Errorf("creating bank set: %w", err)
	}

	snapshot, err := mapperSnapshot(banks, opts.Bank)
	if err != nil {
		return err
	}

	store := cdl.NewStore()
	for _, bnk := range banks.Banks() {
		file, offset := bnk.CdlAddress(0)
		if err := store.Load(file, offset, bnk.Len()); err != nil {
			return fmt.Errorf("loading Code/Data log for bank '%s': %w", bnk.Name(), err)
		}
	}

	config := m.AnalysisConfig()
	config.Workers = opts.Workers

	eng := engine.New(logger, config, space, banks, store, snapshot)
	if err := eng.Run(ctx); err != nil {
		return err
	}

	if opts.DryRun {
		logger.Info("Dry run, not writing Code/Data log files")
		return nil
	}
	if err := store.Flush(); err != nil {
		return fmt.Errorf("writing Code/Data log files: %w", err)
	}
	return nil
}

// selectBanks keeps the fixed banks and the bank chosen for analysis,
// other switchable banks are not mapped for this run.
func selectBanks(descs []bank.Desc, target string) []bank.Desc {
	if target == "" {
		return descs
	}

	selected := make([]bank.Desc, 0, len(descs))
	for _, desc := range descs {
		if desc.Fixed || desc.Name == target {
			selected = append(selected, desc)
		}
	}
	return selected
}

// mapperSnapshot maps the target bank into its window. Fixed banks are
// always mapped and need no snapshot entry.
func mapperSnapshot(banks *bank.Set, target string) (bank.Snapshot, error) {
	active := map[uint16]int{}

	if target != "" {
		bnk, ok := banks.BankByName(target)
		if !ok {
			return bank.Snapshot{}, fmt.Errorf("bank '%s' not found in manifest", target)
		}
		if !bnk.Fixed() {
			active[bnk.Start()] = bnk.ID()
		}
	} else {
		// without a chosen bank, map the sole occupant of each window
		occupants := map[uint16][]int{}
		for _, bnk := range banks.Banks() {
			if !bnk.Fixed() {
				occupants[bnk.Start()] = append(occupants[bnk.Start()], bnk.ID())
			}
		}
		for window, ids := range occupants {
			if len(ids) == 1 {
				active[window] = ids[0]
			}
		}
	}

	return bank.NewSnapshot(1, active), nil
}
