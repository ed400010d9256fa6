// Package disks mirrors disks/disks.go's CSV-embedded geometry table,
// swapped from physical floppy geometries to named (total blocks, total
// inodes) image presets for cmd/mkfs's --preset flag, so a caller doesn't
// have to compute block counts by hand.
package disks

import (
	_ "embed"
	"fmt"
	"sort"
	"strings"

	"github.com/gocarina/gocsv"
)

// Preset is a named image geometry: how many BlockSize-sized blocks the
// image spans and how many inode slots it reserves.
type Preset struct {
	Slug        string `csv:"slug"`
	Description string `csv:"description"`
	TotalBlocks uint   `csv:"total_blocks"`
	TotalInodes uint   `csv:"total_inodes"`
}

//go:embed disk-presets.csv
var rawPresetsCSV string

var presetsBySlug = map[string]Preset{}

func init() {
	reader := strings.NewReader(rawPresetsCSV)
	err := gocsv.UnmarshalToCallback(reader, func(row Preset) error {
		if _, exists := presetsBySlug[row.Slug]; exists {
			return fmt.Errorf("duplicate preset slug %q", row.Slug)
		}
		presetsBySlug[row.Slug] = row
		return nil
	})
	if err != nil {
		panic(fmt.Sprintf("disks: malformed embedded preset table: %v", err))
	}
}

// Get looks up a preset by its slug (e.g. "small-4mb").
func Get(slug string) (Preset, error) {
	preset, ok := presetsBySlug[slug]
	if !ok {
		return Preset{}, fmt.Errorf("no predefined disk preset named %q", slug)
	}
	return preset, nil
}

// All returns every known preset, sorted by slug for stable CLI help text.
func All() []Preset {
	presets := make([]Preset, 0, len(presetsBySlug))
	for _, p := range presetsBySlug {
		presets = append(presets, p)
	}
	sort.Slice(presets, func(i, j int) bool { return presets[i].Slug < presets[j].Slug })
	return presets
}
