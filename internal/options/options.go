// Package options contains the program options.
package options

// Program options of the analyzer.
type Program struct {
	Manifest string // manifest file describing regions, banks and settings
	Bank     string // name of the bank to map into its window and analyze

	DryRun  bool // analyze without writing Code/Data log files
	Workers int  // number of parallel traversal workers

	Debug bool
	Quiet bool
}
