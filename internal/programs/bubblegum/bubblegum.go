// Package bubblegum builds compressed-NFT tree instructions and decodes tree
// accounts.
package bubblegum

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
)

var (
	ProgramID            = solana.MustPublicKeyFromBase58("BGUMAp9Gq7iTEuizy4pqaxsTyUCBK68MDfK752saRPUY")
	CompressionProgramID = solana.MustPublicKeyFromBase58("mcmt6YrQEMKw8Mw43FmpRLmf7BqRnFMKmAcbxE3xkAW")
	NoopProgramID        = solana.MustPublicKeyFromBase58("mnoopTCrg4p8ry25e4bcWA9XZjbNjMTfgYVGGEdRsf3")
)

var (
	TreeConfigDiscriminator      = anchorDiscriminator("account:TreeConfig")
	CreateTreeV2Discriminator    = anchorDiscriminator("global:create_tree_v2")
	SetTreeDelegateDiscriminator = anchorDiscriminator("global:set_tree_delegate")
)

var (
	ErrNotTreeConfig = errors.New("bubblegum: account is not a tree config")
	ErrNotMerkleTree = errors.New("bubblegum: account is not a merkle tree")
	ErrTreeSize      = errors.New("bubblegum: tree account size does not match its header")
)

const (
	// AccountTypeMerkleTree tags a concurrent merkle tree account.
	AccountTypeMerkleTree uint8 = 1

	treeHeaderSize = 56
	treeBodyPrefix = 24
	nodeSize       = 32
)

// TreeConfigAddress derives the tree config PDA for merkleTree.
func TreeConfigAddress(merkleTree solana.PublicKey) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{merkleTree.Bytes()}, ProgramID)
}

// TreeConfig is the bubblegum-side record of one tree.
type TreeConfig struct {
	Discriminator     [8]byte
	TreeCreator       solana.PublicKey
	TreeDelegate      solana.PublicKey
	TotalMintCapacity uint64
	NumMinted         uint64
	IsPublic          bool
	IsDecompressible  uint8
	Version           uint8
}

func DecodeTreeConfig(data []byte) (*TreeConfig, error) {
	if len(data) < 8 || !bytes.Equal(data[:8], TreeConfigDiscriminator[:]) {
		return nil, ErrNotTreeConfig
	}
	var out TreeConfig
	if err := bin.NewBorshDecoder(data).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode tree config: %w", err)
	}
	return &out, nil
}

func (t *TreeConfig) Encode() ([]byte, error) {
	t.Discriminator = TreeConfigDiscriminator
	return encode(t)
}

// TreeHeader is the fixed header of a concurrent merkle tree account.
type TreeHeader struct {
	AccountType        uint8
	HeaderVersion      uint8
	MaxBufferSize      uint32
	MaxDepth           uint32
	Authority          solana.PublicKey
	CreationSlot       uint64
	IsBatchInitialized bool
	Padding            [5]byte
}

// TreeShape is what the tree account reveals about its parameters.
type TreeShape struct {
	MaxDepth      uint32
	MaxBufferSize uint32
	CanopyDepth   uint32
	Authority     solana.PublicKey
}

// DecodeTreeShape reads the header of a merkle tree account and derives the
// canopy depth from the account size.
func DecodeTreeShape(data []byte) (*TreeShape, error) {
	if len(data) < treeHeaderSize || data[0] != AccountTypeMerkleTree {
		return nil, ErrNotMerkleTree
	}
	var header TreeHeader
	if err := bin.NewBorshDecoder(data[:treeHeaderSize]).Decode(&header); err != nil {
		return nil, fmt.Errorf("decode tree header: %w", err)
	}
	canopy, err := CanopyDepthForSize(header.MaxDepth, header.MaxBufferSize, uint64(len(data)))
	if err != nil {
		return nil, err
	}
	return &TreeShape{
		MaxDepth:      header.MaxDepth,
		MaxBufferSize: header.MaxBufferSize,
		CanopyDepth:   canopy,
		Authority:     header.Authority,
	}, nil
}

// EncodeTreeHeader writes an initialized, zero-bodied tree account image.
func EncodeTreeHeader(header TreeHeader, size uint64) ([]byte, error) {
	header.AccountType = AccountTypeMerkleTree
	head, err := encode(&header)
	if err != nil {
		return nil, err
	}
	if uint64(len(head)) > size {
		return nil, ErrTreeSize
	}
	out := make([]byte, size)
	copy(out, head)
	return out, nil
}

// MerkleTreeAccountSize mirrors the account compression program layout:
// header, then sequence/active/buffer counters, the changelog ring, the
// rightmost proof and the canopy.
func MerkleTreeAccountSize(maxDepth, maxBufferSize, canopyDepth uint32) uint64 {
	return merkleTreeBaseSize(maxDepth, maxBufferSize) + canopyBytes(canopyDepth)
}

func merkleTreeBaseSize(maxDepth, maxBufferSize uint32) uint64 {
	path := uint64(nodeSize) * uint64(maxDepth)
	changeLog := nodeSize + path + 8
	rightmostProof := path + nodeSize + 8
	return treeHeaderSize + treeBodyPrefix + uint64(maxBufferSize)*changeLog + rightmostProof
}

func canopyBytes(canopyDepth uint32) uint64 {
	if canopyDepth == 0 {
		return 0
	}
	return ((uint64(1) << (canopyDepth + 1)) - 2) * nodeSize
}

// CanopyDepthForSize inverts MerkleTreeAccountSize for the canopy term.
func CanopyDepthForSize(maxDepth, maxBufferSize uint32, size uint64) (uint32, error) {
	base := merkleTreeBaseSize(maxDepth, maxBufferSize)
	if size < base {
		return 0, fmt.Errorf("%w: %d < %d", ErrTreeSize, size, base)
	}
	for depth := uint32(0); depth <= maxDepth; depth++ {
		if base+canopyBytes(depth) == size {
			return depth, nil
		}
	}
	return 0, fmt.Errorf("%w: %d bytes", ErrTreeSize, size)
}

type CreateTreeV2Args struct {
	MaxDepth      uint32
	MaxBufferSize uint32
	Public        *bool `bin:"optional"`
}

// NewAllocTreeInstruction funds and allocates the tree account, owned by the
// compression program.
func NewAllocTreeInstruction(payer, merkleTree solana.PublicKey, lamports uint64, preset Preset) solana.Instruction {
	return system.NewCreateAccountInstruction(
		lamports,
		preset.AccountSize(),
		CompressionProgramID,
		payer,
		merkleTree,
	).Build()
}

func NewCreateTreeV2Instruction(payer, treeCreator, merkleTree solana.PublicKey, args CreateTreeV2Args) (solana.Instruction, error) {
	treeConfig, _, err := TreeConfigAddress(merkleTree)
	if err != nil {
		return nil, err
	}
	data, err := instructionData(CreateTreeV2Discriminator, args)
	if err != nil {
		return nil, err
	}
	return solana.NewInstruction(ProgramID, solana.AccountMetaSlice{
		solana.NewAccountMeta(treeConfig, true, false),
		solana.NewAccountMeta(merkleTree, true, false),
		solana.NewAccountMeta(payer, true, true),
		solana.NewAccountMeta(treeCreator, false, true),
		solana.NewAccountMeta(NoopProgramID, false, false),
		solana.NewAccountMeta(CompressionProgramID, false, false),
		solana.NewAccountMeta(solana.SystemProgramID, false, false),
	}, data), nil
}

func NewSetTreeDelegateInstruction(treeCreator, newDelegate, merkleTree solana.PublicKey) (solana.Instruction, error) {
	treeConfig, _, err := TreeConfigAddress(merkleTree)
	if err != nil {
		return nil, err
	}
	data, err := instructionData(SetTreeDelegateDiscriminator, nil)
	if err != nil {
		return nil, err
	}
	return solana.NewInstruction(ProgramID, solana.AccountMetaSlice{
		solana.NewAccountMeta(treeConfig, true, false),
		solana.NewAccountMeta(treeCreator, false, true),
		solana.NewAccountMeta(newDelegate, false, false),
		solana.NewAccountMeta(merkleTree, false, false),
		solana.NewAccountMeta(solana.SystemProgramID, false, false),
	}, data), nil
}

// DecodeCreateTreeV2 parses create_tree_v2 instruction data.
func DecodeCreateTreeV2(data []byte) (*CreateTreeV2Args, error) {
	if len(data) < 8 || !bytes.Equal(data[:8], CreateTreeV2Discriminator[:]) {
		return nil, errors.New("bubblegum: not a create_tree_v2 instruction")
	}
	var out CreateTreeV2Args
	if err := bin.NewBorshDecoder(data[8:]).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode create_tree_v2: %w", err)
	}
	return &out, nil
}

func instructionData(disc [8]byte, args any) ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(disc[:])
	if args != nil {
		if err := bin.NewBorshEncoder(&buf).Encode(args); err != nil {
			return nil, fmt.Errorf("encode instruction args: %w", err)
		}
	}
	return buf.Bytes(), nil
}

func encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := bin.NewBorshEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func anchorDiscriminator(preimage string) [8]byte {
	sum := sha256.Sum256([]byte(preimage))
	var out [8]byte
	copy(out[:], sum[:8])
	return out
}
