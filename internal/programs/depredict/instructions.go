package depredict

import (
	"bytes"
	"errors"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

var (
	CreateMarketCreatorDiscriminator   = instructionDiscriminator("create_market_creator")
	VerifyMarketCreatorDiscriminator   = instructionDiscriminator("verify_market_creator")
	UpdateCreatorFeeVaultDiscriminator = instructionDiscriminator("update_creator_fee_vault")
	UpdateCreatorFeeDiscriminator      = instructionDiscriminator("update_creator_fee")
	CreateMarketDiscriminator          = instructionDiscriminator("create_market")
	ResolveMarketDiscriminator         = instructionDiscriminator("resolve_market")
)

var ErrUnknownInstruction = errors.New("depredict: unknown instruction")

type CreateMarketCreatorArgs struct {
	Name          string
	FeeVault      solana.PublicKey
	CreatorFeeBps uint16
}

type UpdateCreatorFeeVaultArgs struct {
	CurrentFeeVault solana.PublicKey
	NewFeeVault     solana.PublicKey
}

type UpdateCreatorFeeArgs struct {
	CreatorFeeBps uint16
}

type CreateMarketArgs struct {
	Question         string
	MetadataURI      string
	StartTime        int64
	EndTime          int64
	BettingStartTime int64
	OracleType       OracleType
	MarketType       MarketType
}

// ResolveMarketArgs carries the creator's verdict. A nil Resolution asks the
// program to read the market oracle.
type ResolveMarketArgs struct {
	MarketID   uint64
	Resolution *uint8 `bin:"optional"`
}

const (
	ResolutionNo  uint8 = 0
	ResolutionYes uint8 = 1
)

// NewCreateMarketCreatorInstruction registers the signer's authority account.
func NewCreateMarketCreatorInstruction(signer solana.PublicKey, args CreateMarketCreatorArgs) (solana.Instruction, error) {
	marketCreator, _, err := MarketCreatorAddress(signer)
	if err != nil {
		return nil, err
	}
	return newInstruction(CreateMarketCreatorDiscriminator, args, solana.AccountMetaSlice{
		solana.NewAccountMeta(signer, true, true),
		solana.NewAccountMeta(marketCreator, true, false),
		solana.NewAccountMeta(solana.SystemProgramID, false, false),
	})
}

// NewVerifyMarketCreatorInstruction links collection and tree to the signer's
// authority after the program checks both point back at it.
func NewVerifyMarketCreatorInstruction(
	signer solana.PublicKey,
	coreCollection solana.PublicKey,
	merkleTree solana.PublicKey,
	treeConfig solana.PublicKey,
	coreProgram solana.PublicKey,
	bubblegumProgram solana.PublicKey,
) (solana.Instruction, error) {
	marketCreator, _, err := MarketCreatorAddress(signer)
	if err != nil {
		return nil, err
	}
	return newInstruction(VerifyMarketCreatorDiscriminator, nil, solana.AccountMetaSlice{
		solana.NewAccountMeta(signer, true, true),
		solana.NewAccountMeta(marketCreator, true, false),
		solana.NewAccountMeta(coreCollection, false, false),
		solana.NewAccountMeta(merkleTree, false, false),
		solana.NewAccountMeta(treeConfig, false, false),
		solana.NewAccountMeta(coreProgram, false, false),
		solana.NewAccountMeta(bubblegumProgram, false, false),
	})
}

func NewUpdateCreatorFeeVaultInstruction(signer solana.PublicKey, args UpdateCreatorFeeVaultArgs) (solana.Instruction, error) {
	marketCreator, _, err := MarketCreatorAddress(signer)
	if err != nil {
		return nil, err
	}
	return newInstruction(UpdateCreatorFeeVaultDiscriminator, args, solana.AccountMetaSlice{
		solana.NewAccountMeta(signer, true, true),
		solana.NewAccountMeta(marketCreator, true, false),
	})
}

func NewUpdateCreatorFeeInstruction(signer solana.PublicKey, args UpdateCreatorFeeArgs) (solana.Instruction, error) {
	if args.CreatorFeeBps > MaxCreatorFeeBps {
		return nil, fmt.Errorf("%w: %d bps", ErrFeeOutOfRange, args.CreatorFeeBps)
	}
	marketCreator, _, err := MarketCreatorAddress(signer)
	if err != nil {
		return nil, err
	}
	return newInstruction(UpdateCreatorFeeDiscriminator, args, solana.AccountMetaSlice{
		solana.NewAccountMeta(signer, true, true),
		solana.NewAccountMeta(marketCreator, true, false),
	})
}

// MarketAccounts are the addresses a new market binds to.
type MarketAccounts struct {
	Market         solana.PublicKey
	Mint           solana.PublicKey
	Oracle         solana.PublicKey
	CoreCollection solana.PublicKey
	MerkleTree     solana.PublicKey
}

func NewCreateMarketInstruction(signer solana.PublicKey, accounts MarketAccounts, args CreateMarketArgs) (solana.Instruction, error) {
	marketCreator, _, err := MarketCreatorAddress(signer)
	if err != nil {
		return nil, err
	}
	config, _, err := ConfigAddress()
	if err != nil {
		return nil, err
	}
	return newInstruction(CreateMarketDiscriminator, args, solana.AccountMetaSlice{
		solana.NewAccountMeta(signer, true, true),
		solana.NewAccountMeta(config, true, false),
		solana.NewAccountMeta(marketCreator, true, false),
		solana.NewAccountMeta(accounts.Market, true, false),
		solana.NewAccountMeta(accounts.Mint, false, false),
		solana.NewAccountMeta(accounts.Oracle, false, false),
		solana.NewAccountMeta(accounts.CoreCollection, false, false),
		solana.NewAccountMeta(accounts.MerkleTree, false, false),
		solana.NewAccountMeta(solana.SystemProgramID, false, false),
		solana.NewAccountMeta(solana.TokenProgramID, false, false),
	})
}

func NewResolveMarketInstruction(signer solana.PublicKey, market solana.PublicKey, oracle solana.PublicKey, args ResolveMarketArgs) (solana.Instruction, error) {
	marketCreator, _, err := MarketCreatorAddress(signer)
	if err != nil {
		return nil, err
	}
	return newInstruction(ResolveMarketDiscriminator, args, solana.AccountMetaSlice{
		solana.NewAccountMeta(signer, true, true),
		solana.NewAccountMeta(marketCreator, true, false),
		solana.NewAccountMeta(market, true, false),
		solana.NewAccountMeta(oracle, false, false),
	})
}

func newInstruction(disc [8]byte, args any, accounts solana.AccountMetaSlice) (solana.Instruction, error) {
	var buf bytes.Buffer
	buf.Write(disc[:])
	if args != nil {
		if err := bin.NewBorshEncoder(&buf).Encode(args); err != nil {
			return nil, fmt.Errorf("encode instruction args: %w", err)
		}
	}
	return solana.NewInstruction(ProgramID, accounts, buf.Bytes()), nil
}

// DecodeInstruction splits instruction data into its discriminator and
// decodes the arguments into out when out is non-nil.
func DecodeInstruction(data []byte, out any) ([8]byte, error) {
	var disc [8]byte
	if len(data) < 8 {
		return disc, ErrUnknownInstruction
	}
	copy(disc[:], data[:8])
	if out == nil {
		return disc, nil
	}
	if err := bin.NewBorshDecoder(data[8:]).Decode(out); err != nil {
		return disc, fmt.Errorf("decode instruction args: %w", err)
	}
	return disc, nil
}
