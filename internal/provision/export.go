package provision

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/danmuck/marketctl/internal/config"
	"github.com/danmuck/marketctl/internal/programs/bubblegum"
	"github.com/danmuck/marketctl/internal/programs/depredict"
	"github.com/danmuck/marketctl/internal/programs/mplcore"
	"github.com/gagliardetto/solana-go"
	toml "github.com/pelletier/go-toml/v2"
)

// ExportWarning is stamped on every exported file.
const ExportWarning = "This file contains your market creator configuration. Store it securely."

// ExportedConfig is the hand-off artifact. Field names are archived by
// consumers and must not change.
type ExportedConfig struct {
	AuthorityIdentity string       `json:"authorityIdentity" toml:"authorityIdentity"`
	AuthorityAddress  string       `json:"authorityAddress" toml:"authorityAddress"`
	AuthorityName     string       `json:"authorityName" toml:"authorityName"`
	FeeRecipient      string       `json:"feeRecipient" toml:"feeRecipient"`
	FeeRateBps        uint16       `json:"feeRateBps" toml:"feeRateBps"`
	FeeRatePercent    float64      `json:"feeRatePercent" toml:"feeRatePercent"`
	CollectionAddress string       `json:"collectionAddress" toml:"collectionAddress"`
	CollectionName    *string      `json:"collectionName,omitempty" toml:"collectionName,omitempty"`
	CollectionURI     *string      `json:"collectionUri,omitempty" toml:"collectionUri,omitempty"`
	TreeAddress       string       `json:"treeAddress" toml:"treeAddress"`
	TreeConfig        *TreeSummary `json:"treeConfig,omitempty" toml:"treeConfig,omitempty"`
	Verified          bool         `json:"verified" toml:"verified"`
	Network           string       `json:"network" toml:"network"`
	RPCEndpoint       string       `json:"rpcEndpoint" toml:"rpcEndpoint"`
	ProtocolID        string       `json:"protocolId" toml:"protocolId"`
}

// TreeSummary describes the tree; every field is optional because the tree
// config may be unreadable when the artifact is built.
type TreeSummary struct {
	MaxDepth          *uint32  `json:"maxDepth,omitempty" toml:"maxDepth,omitempty"`
	CanopyDepth       *uint32  `json:"canopyDepth,omitempty" toml:"canopyDepth,omitempty"`
	ConcurrencyBuffer *uint32  `json:"concurrencyBuffer,omitempty" toml:"concurrencyBuffer,omitempty"`
	MaxLeaves         *uint64  `json:"maxLeaves,omitempty" toml:"maxLeaves,omitempty"`
	EstimatedCost     *float64 `json:"estimatedCost,omitempty" toml:"estimatedCost,omitempty"`
	CostPerUnit       *float64 `json:"costPerUnit,omitempty" toml:"costPerUnit,omitempty"`
	TotalCapacity     *uint64  `json:"totalCapacity,omitempty" toml:"totalCapacity,omitempty"`
	NumFilled         *uint64  `json:"numFilled,omitempty" toml:"numFilled,omitempty"`
	IsPublic          *bool    `json:"isPublic,omitempty" toml:"isPublic,omitempty"`
	Delegate          *string  `json:"delegate,omitempty" toml:"delegate,omitempty"`
}

// ConfigInputs are the ledger reads an artifact is projected from. Only
// Authority is required.
type ConfigInputs struct {
	Identity   solana.PublicKey
	Address    solana.PublicKey
	Authority  *depredict.MarketCreator
	Collection *mplcore.Collection
	TreeConfig *bubblegum.TreeConfig
	// FallbackPreset describes the tree when its config cannot be read.
	FallbackPreset *bubblegum.Preset
	Network        config.Network
	RPCEndpoint    string
}

// BuildConfig projects ledger state into the artifact. Tree shape comes from
// the preset whose capacity matches the tree config.
func BuildConfig(in ConfigInputs) *ExportedConfig {
	mc := in.Authority
	out := &ExportedConfig{
		AuthorityIdentity: in.Identity.String(),
		AuthorityAddress:  in.Address.String(),
		AuthorityName:     mc.Name,
		FeeRecipient:      mc.FeeVault.String(),
		FeeRateBps:        mc.CreatorFeeBps,
		FeeRatePercent:    mc.FeePercent(),
		CollectionAddress: mc.CoreCollection.String(),
		TreeAddress:       mc.MerkleTree.String(),
		Verified:          mc.Verified,
		Network:           in.Network.Label(),
		RPCEndpoint:       in.RPCEndpoint,
		ProtocolID:        depredict.ProgramID.String(),
	}
	if in.Collection != nil {
		out.CollectionName = ptr(in.Collection.Name)
		out.CollectionURI = ptr(in.Collection.URI)
	}

	switch {
	case in.TreeConfig != nil:
		summary := &TreeSummary{
			TotalCapacity: ptr(in.TreeConfig.TotalMintCapacity),
			NumFilled:     ptr(in.TreeConfig.NumMinted),
			IsPublic:      ptr(in.TreeConfig.IsPublic),
			Delegate:      ptr(in.TreeConfig.TreeDelegate.String()),
		}
		if preset, err := bubblegum.PresetFor(in.TreeConfig.TotalMintCapacity); err == nil {
			summary.applyPreset(preset)
		}
		out.TreeConfig = summary
	case in.FallbackPreset != nil:
		summary := &TreeSummary{}
		summary.applyPreset(*in.FallbackPreset)
		out.TreeConfig = summary
	}
	return out
}

func (t *TreeSummary) applyPreset(p bubblegum.Preset) {
	t.MaxDepth = ptr(p.MaxDepth)
	t.CanopyDepth = ptr(p.CanopyDepth)
	t.ConcurrencyBuffer = ptr(p.MaxBufferSize)
	t.MaxLeaves = ptr(p.MaxLeaves)
	t.EstimatedCost = ptr(p.EstimatedCostSol)
	t.CostPerUnit = ptr(p.CostPerUnit)
}

func ptr[T any](v T) *T {
	return &v
}

// ExportFile is the artifact as written to disk.
type ExportFile struct {
	ExportedConfig
	CreatedAt string `json:"createdAt" toml:"createdAt"`
	Warning   string `json:"warning" toml:"warning"`
}

func NewExportFile(cfg *ExportedConfig, now time.Time) ExportFile {
	return ExportFile{
		ExportedConfig: *cfg,
		CreatedAt:      now.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		Warning:        ExportWarning,
	}
}

// ExportFileName follows depredict-market-creator-config-<unix ms>.json.
func ExportFileName(now time.Time) string {
	return fmt.Sprintf("depredict-market-creator-config-%d.json", now.UnixMilli())
}

// RenderJSON renders the artifact indented by two spaces.
func (f ExportFile) RenderJSON() ([]byte, error) {
	return json.MarshalIndent(f, "", "  ")
}

// RenderTOML renders the artifact for config-file consumers.
func (f ExportFile) RenderTOML() ([]byte, error) {
	return toml.Marshal(f)
}

// WriteExport writes cfg into dir and returns the file path. Format is
// "json" or "toml".
func WriteExport(dir string, cfg *ExportedConfig, format string, now time.Time) (string, error) {
	if cfg == nil {
		return "", ErrNotComplete
	}
	file := NewExportFile(cfg, now)
	name := ExportFileName(now)
	var (
		data []byte
		err  error
	)
	switch format {
	case "", "json":
		data, err = file.RenderJSON()
	case "toml":
		data, err = file.RenderTOML()
		name = name[:len(name)-len(".json")] + ".toml"
	default:
		return "", fmt.Errorf("%w: export format %q", ErrInvalidInput, format)
	}
	if err != nil {
		return "", fmt.Errorf("encode export: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create export dir: %w", err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, append(data, '\n'), 0o600); err != nil {
		return "", fmt.Errorf("write export: %w", err)
	}
	return path, nil
}
