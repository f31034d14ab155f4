// Package manifest loads the analysis manifest, the external description
// of memory regions, banks and analysis settings. It converts the file
// representation into the typed values the core packages consume.
package manifest

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/retrotools/disnes/internal/bank"
	"github.com/retrotools/disnes/internal/engine"
	"github.com/retrotools/disnes/internal/memory"
)

// Region declares the permissions of one address range. Unspecified flags
// default to false.
type Region struct {
	Start      uint16 `yaml:"start"`
	Len        uint32 `yaml:"len"`
	Readable   bool   `yaml:"readable"`
	Writable   bool   `yaml:"writable"`
	Executable bool   `yaml:"executable"`
}

// Bank declares one bank and its backing file and Code/Data log slices.
type Bank struct {
	Name       string `yaml:"name"`
	Start      uint16 `yaml:"start"`
	Len        uint32 `yaml:"len"`
	File       string `yaml:"file"`
	FileOffset uint64 `yaml:"file_offset"`
	Cdl        string `yaml:"cdl"`
	CdlOffset  uint64 `yaml:"cdl_offset"`
	Fixed      bool   `yaml:"fixed"`
}

// Analysis holds the analysis settings. Vector usage defaults to true,
// the opcode gates default to false.
type Analysis struct {
	UseNmi   bool `yaml:"use_nmi"`
	UseReset bool `yaml:"use_reset"`
	UseIrq   bool `yaml:"use_irq"`
	AllowBrk bool `yaml:"allow_brk"`
	AllowClv bool `yaml:"allow_clv"`
	AllowSed bool `yaml:"allow_sed"`
}

// Manifest is the parsed analysis manifest.
type Manifest struct {
	Memory []Region `yaml:"memory"`
	Banks  []Bank   `yaml:"banks"`
	Config Analysis `yaml:"config"`
}

// Load reads and parses a manifest file. Unknown fields are rejected.
// File paths inside the manifest are resolved relative to its directory.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest '%s': %w", path, err)
	}

	m, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parsing manifest '%s': %w", path, err)
	}

	dir := filepath.Dir(path)
	for i := range m.Banks {
		m.Banks[i].File = resolvePath(dir, m.Banks[i].File)
		m.Banks[i].Cdl = resolvePath(dir, m.Banks[i].Cdl)
	}
	return m, nil
}

// Parse parses manifest content.
func Parse(data []byte) (*Manifest, error) {
	m := &Manifest{
		Config: Analysis{
			UseNmi:   true,
			UseReset: true,
			UseIrq:   true,
		},
	}

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(m); err != nil {
		return nil, err
	}

	if err := m.validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// validate checks the declarations that the core constructors do not
// already cover.
func (m *Manifest) validate() error {
	for i, bnk := range m.Banks {
		if bnk.Name == "" {
			return fmt.Errorf("bank %d has no name", i)
		}
		if bnk.File == "" {
			return fmt.Errorf("bank '%s' has no backing file", bnk.Name)
		}
	}
	return nil
}

// Regions returns the memory region declarations in declaration order.
func (m *Manifest) Regions() []memory.Region {
	regions := make([]memory.Region, 0, len(m.Memory))
	for _, region := range m.Memory {
		regions = append(regions, memory.Region{
			Start:      region.Start,
			Len:        region.Len,
			Readable:   region.Readable,
			Writable:   region.Writable,
			Executable: region.Executable,
		})
	}
	return regions
}

// BankDescs returns the bank declarations.
func (m *Manifest) BankDescs() []bank.Desc {
	descs := make([]bank.Desc, 0, len(m.Banks))
	for _, bnk := range m.Banks {
		descs = append(descs, bank.Desc{
			Name:       bnk.Name,
			Start:      bnk.Start,
			Len:        bnk.Len,
			File:       bnk.File,
			FileOffset: bnk.FileOffset,
			Cdl:        bnk.Cdl,
			CdlOffset:  bnk.CdlOffset,
			Fixed:      bnk.Fixed,
		})
	}
	return descs
}

// AnalysisConfig returns the engine configuration for this manifest.
func (m *Manifest) AnalysisConfig() engine.Config {
	return engine.Config{
		UseNmi:   m.Config.UseNmi,
		UseReset: m.Config.UseReset,
		UseIrq:   m.Config.UseIrq,
		AllowBrk: m.Config.AllowBrk,
		AllowClv: m.Config.AllowClv,
		AllowSed: m.Config.AllowSed,
	}
}

func resolvePath(dir, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(dir, path)
}
