package bubblegum

import (
	"errors"
	"fmt"
)

var ErrUnknownPreset = errors.New("bubblegum: unknown tree preset")

// Preset is one supported tree shape. Shapes are fixed at creation, so only
// these are offered.
type Preset struct {
	MaxLeaves     uint64
	MaxDepth      uint32
	CanopyDepth   uint32
	MaxBufferSize uint32
	// EstimatedCostSol is the rent for the tree account in SOL.
	EstimatedCostSol float64
	// CostPerUnit is EstimatedCostSol spread over every leaf.
	CostPerUnit float64
}

// DefaultPresetLeaves is the preset offered when the operator picks nothing.
const DefaultPresetLeaves uint64 = 65536

var presets = []Preset{
	{MaxLeaves: 16384, MaxDepth: 14, CanopyDepth: 8, MaxBufferSize: 64, EstimatedCostSol: 0.3358, CostPerUnit: 0.0000255},
	{MaxLeaves: 65536, MaxDepth: 16, CanopyDepth: 10, MaxBufferSize: 64, EstimatedCostSol: 0.7069, CostPerUnit: 0.00001579},
	{MaxLeaves: 262144, MaxDepth: 18, CanopyDepth: 12, MaxBufferSize: 64, EstimatedCostSol: 2.1042, CostPerUnit: 0.00001303},
	{MaxLeaves: 1048576, MaxDepth: 20, CanopyDepth: 13, MaxBufferSize: 1024, EstimatedCostSol: 8.5012, CostPerUnit: 0.00001311},
	{MaxLeaves: 16777216, MaxDepth: 24, CanopyDepth: 15, MaxBufferSize: 2048, EstimatedCostSol: 26.1201, CostPerUnit: 0.00000656},
	{MaxLeaves: 67108864, MaxDepth: 26, CanopyDepth: 17, MaxBufferSize: 2048, EstimatedCostSol: 70.8213, CostPerUnit: 0.00000606},
	{MaxLeaves: 1073741824, MaxDepth: 30, CanopyDepth: 17, MaxBufferSize: 2048, EstimatedCostSol: 72.6468, CostPerUnit: 0.00000507},
}

// Presets returns a copy of the preset table, smallest first.
func Presets() []Preset {
	out := make([]Preset, len(presets))
	copy(out, presets)
	return out
}

// PresetFor looks a preset up by leaf capacity.
func PresetFor(maxLeaves uint64) (Preset, error) {
	for _, p := range presets {
		if p.MaxLeaves == maxLeaves {
			return p, nil
		}
	}
	return Preset{}, fmt.Errorf("%w: %d leaves", ErrUnknownPreset, maxLeaves)
}

func DefaultPreset() Preset {
	p, _ := PresetFor(DefaultPresetLeaves)
	return p
}

// AccountSize is the byte size of the tree account this preset allocates.
func (p Preset) AccountSize() uint64 {
	return MerkleTreeAccountSize(p.MaxDepth, p.MaxBufferSize, p.CanopyDepth)
}
