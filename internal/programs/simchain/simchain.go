// Package simchain wires the prediction-market, core and bubblegum program
// rules into an in-memory ledger for offline rehearsal and tests.
package simchain

import (
	"errors"
	"fmt"

	"github.com/danmuck/marketctl/internal/ledger"
	"github.com/danmuck/marketctl/internal/ledger/ledgertest"
	"github.com/danmuck/marketctl/internal/programs/bubblegum"
	"github.com/danmuck/marketctl/internal/programs/depredict"
	"github.com/danmuck/marketctl/internal/programs/mplcore"
	"github.com/gagliardetto/solana-go"
)

// Program error codes surfaced as "custom program error: 0x..".
const (
	ErrCodeUnauthorized       = 6000
	ErrCodeFeeTooHigh         = 6001
	ErrCodeAlreadyInitialized = 6002
	ErrCodeInvalidCollection  = 6003
	ErrCodeInvalidTree        = 6004
	ErrCodeNotVerified        = 6005
	ErrCodeMarketResolved     = 6006
	ErrCodeManualOracle       = 6007
	ErrCodeOracleNotReady     = 6008
	ErrCodeInvalidFeeVault    = 6009
	ErrCodeInvalidAccounts    = 3005
)

// Oracle account verdicts read by oracle-delegated resolution.
const (
	OraclePending uint8 = 0
	OracleYes     uint8 = 1
	OracleNo      uint8 = 2
)

// New returns a ledger with all three programs deployed and the program
// config singleton initialized.
func New() *ledgertest.Fake {
	fake := ledgertest.New()
	fake.RegisterProgram(depredict.ProgramID, handleDepredict)
	fake.RegisterProgram(mplcore.ProgramID, handleCore)
	fake.RegisterProgram(bubblegum.ProgramID, handleBubblegum)
	fake.RegisterProgram(bubblegum.CompressionProgramID, func(*ledgertest.State, ledgertest.Instruction) error { return nil })
	fake.RegisterProgram(bubblegum.NoopProgramID, func(*ledgertest.State, ledgertest.Instruction) error { return nil })
	fake.RegisterProgram(solana.TokenProgramID, func(*ledgertest.State, ledgertest.Instruction) error { return nil })

	configAddr, bump, _ := depredict.ConfigAddress()
	cfg := depredict.Config{Bump: bump, NextMarketID: 1}
	data, _ := cfg.Encode()
	fake.SetAccount(&ledger.Account{Address: configAddr, Owner: depredict.ProgramID, Lamports: 1, Data: data})
	return fake
}

// SetOracle writes a verdict into an oracle account.
func SetOracle(fake *ledgertest.Fake, oracle solana.PublicKey, verdict uint8) {
	fake.SetAccount(&ledger.Account{Address: oracle, Owner: solana.SystemProgramID, Lamports: 1, Data: []byte{verdict}})
}

func programError(code int, name string) error {
	return fmt.Errorf("custom program error: 0x%x (%s)", code, name)
}

func loadMarketCreator(state *ledgertest.State, address solana.PublicKey) (*depredict.MarketCreator, error) {
	acct, ok := state.Get(address)
	if !ok || !acct.Owner.Equals(depredict.ProgramID) {
		return nil, programError(ErrCodeInvalidAccounts, "AccountNotInitialized")
	}
	return depredict.DecodeMarketCreator(acct.Data)
}

func storeMarketCreator(state *ledgertest.State, address solana.PublicKey, mc *depredict.MarketCreator) error {
	data, err := mc.Encode()
	if err != nil {
		return err
	}
	state.Put(&ledger.Account{Address: address, Owner: depredict.ProgramID, Lamports: state.Rent(uint64(len(data))), Data: data})
	return nil
}

// requireCreator loads the market creator at ix account 1 owned by the
// signer at account 0.
func requireCreator(state *ledgertest.State, ix ledgertest.Instruction) (*depredict.MarketCreator, solana.PublicKey, error) {
	if !ix.IsSigner(0) {
		return nil, solana.PublicKey{}, programError(ErrCodeUnauthorized, "Unauthorized")
	}
	address := ix.Account(1)
	expected, _, err := depredict.MarketCreatorAddress(ix.Account(0))
	if err != nil || !expected.Equals(address) {
		return nil, address, programError(ErrCodeInvalidAccounts, "ConstraintSeeds")
	}
	mc, err := loadMarketCreator(state, address)
	if err != nil {
		return nil, address, err
	}
	if !mc.Authority.Equals(ix.Account(0)) {
		return nil, address, programError(ErrCodeUnauthorized, "Unauthorized")
	}
	return mc, address, nil
}

func handleDepredict(state *ledgertest.State, ix ledgertest.Instruction) error {
	disc, err := depredict.DecodeInstruction(ix.Data, nil)
	if err != nil {
		return err
	}
	switch disc {
	case depredict.CreateMarketCreatorDiscriminator:
		return createMarketCreator(state, ix)
	case depredict.VerifyMarketCreatorDiscriminator:
		return verifyMarketCreator(state, ix)
	case depredict.UpdateCreatorFeeVaultDiscriminator:
		return updateFeeVault(state, ix)
	case depredict.UpdateCreatorFeeDiscriminator:
		return updateFee(state, ix)
	case depredict.CreateMarketDiscriminator:
		return createMarket(state, ix)
	case depredict.ResolveMarketDiscriminator:
		return resolveMarket(state, ix)
	default:
		return depredict.ErrUnknownInstruction
	}
}

func createMarketCreator(state *ledgertest.State, ix ledgertest.Instruction) error {
	var args depredict.CreateMarketCreatorArgs
	if _, err := depredict.DecodeInstruction(ix.Data, &args); err != nil {
		return err
	}
	if !ix.IsSigner(0) {
		return programError(ErrCodeUnauthorized, "Unauthorized")
	}
	address, bump, err := depredict.MarketCreatorAddress(ix.Account(0))
	if err != nil || !address.Equals(ix.Account(1)) {
		return programError(ErrCodeInvalidAccounts, "ConstraintSeeds")
	}
	if _, exists := state.Get(address); exists {
		return programError(ErrCodeAlreadyInitialized, "AccountAlreadyInitialized")
	}
	if args.CreatorFeeBps > depredict.MaxCreatorFeeBps {
		return programError(ErrCodeFeeTooHigh, "FeeTooHigh")
	}
	state.Log("Program log: Instruction: CreateMarketCreator")
	return storeMarketCreator(state, address, &depredict.MarketCreator{
		Authority:     ix.Account(0),
		Name:          args.Name,
		FeeVault:      args.FeeVault,
		CreatorFeeBps: args.CreatorFeeBps,
		Bump:          bump,
	})
}

func verifyMarketCreator(state *ledgertest.State, ix ledgertest.Instruction) error {
	mc, address, err := requireCreator(state, ix)
	if err != nil {
		return err
	}
	collectionAddr, treeAddr, treeConfigAddr := ix.Account(2), ix.Account(3), ix.Account(4)

	collectionAcct, ok := state.Get(collectionAddr)
	if !ok || !collectionAcct.Owner.Equals(mplcore.ProgramID) {
		return programError(ErrCodeInvalidCollection, "InvalidCollection")
	}
	collection, err := mplcore.DecodeCollection(collectionAcct.Data)
	if err != nil || !collection.UpdateAuthority.Equals(address) {
		return programError(ErrCodeInvalidCollection, "InvalidCollectionAuthority")
	}

	expectedConfig, _, _ := bubblegum.TreeConfigAddress(treeAddr)
	if !expectedConfig.Equals(treeConfigAddr) {
		return programError(ErrCodeInvalidTree, "InvalidTreeConfig")
	}
	configAcct, ok := state.Get(treeConfigAddr)
	if !ok {
		return programError(ErrCodeInvalidTree, "InvalidTreeConfig")
	}
	treeConfig, err := bubblegum.DecodeTreeConfig(configAcct.Data)
	if err != nil || !treeConfig.TreeDelegate.Equals(address) {
		return programError(ErrCodeInvalidTree, "InvalidTreeDelegate")
	}

	mc.CoreCollection = collectionAddr
	mc.MerkleTree = treeAddr
	mc.Verified = true
	state.Log("Program log: Instruction: VerifyMarketCreator")
	return storeMarketCreator(state, address, mc)
}

func updateFeeVault(state *ledgertest.State, ix ledgertest.Instruction) error {
	var args depredict.UpdateCreatorFeeVaultArgs
	if _, err := depredict.DecodeInstruction(ix.Data, &args); err != nil {
		return err
	}
	mc, address, err := requireCreator(state, ix)
	if err != nil {
		return err
	}
	if !mc.FeeVault.Equals(args.CurrentFeeVault) {
		return programError(ErrCodeInvalidFeeVault, "InvalidFeeVault")
	}
	mc.FeeVault = args.NewFeeVault
	return storeMarketCreator(state, address, mc)
}

func updateFee(state *ledgertest.State, ix ledgertest.Instruction) error {
	var args depredict.UpdateCreatorFeeArgs
	if _, err := depredict.DecodeInstruction(ix.Data, &args); err != nil {
		return err
	}
	mc, address, err := requireCreator(state, ix)
	if err != nil {
		return err
	}
	if args.CreatorFeeBps > depredict.MaxCreatorFeeBps {
		return programError(ErrCodeFeeTooHigh, "FeeTooHigh")
	}
	mc.CreatorFeeBps = args.CreatorFeeBps
	return storeMarketCreator(state, address, mc)
}

func createMarket(state *ledgertest.State, ix ledgertest.Instruction) error {
	var args depredict.CreateMarketArgs
	if _, err := depredict.DecodeInstruction(ix.Data, &args); err != nil {
		return err
	}
	if !ix.IsSigner(0) {
		return programError(ErrCodeUnauthorized, "Unauthorized")
	}
	configAddr, creatorAddr, marketAddr := ix.Account(1), ix.Account(2), ix.Account(3)
	configAcct, ok := state.Get(configAddr)
	if !ok {
		return programError(ErrCodeInvalidAccounts, "AccountNotInitialized")
	}
	cfg, err := depredict.DecodeConfig(configAcct.Data)
	if err != nil {
		return err
	}
	mc, err := loadMarketCreator(state, creatorAddr)
	if err != nil {
		return err
	}
	if !mc.Authority.Equals(ix.Account(0)) {
		return programError(ErrCodeUnauthorized, "Unauthorized")
	}
	if !mc.Verified {
		return programError(ErrCodeNotVerified, "MarketCreatorNotVerified")
	}
	if !mc.CoreCollection.Equals(ix.Account(6)) || !mc.MerkleTree.Equals(ix.Account(7)) {
		return programError(ErrCodeInvalidAccounts, "ConstraintAddress")
	}
	expected, bump, _ := depredict.MarketAddress(cfg.NextMarketID)
	if !expected.Equals(marketAddr) {
		return programError(ErrCodeInvalidAccounts, "ConstraintSeeds")
	}
	oracleType := args.OracleType
	oracle := ix.Account(5)
	if oracle.Equals(depredict.ManualOracle) {
		oracleType = depredict.OracleNone
	}
	market := depredict.Market{
		MarketCreator:    creatorAddr,
		Bump:             bump,
		MarketID:         cfg.NextMarketID,
		Authority:        ix.Account(0),
		Question:         args.Question,
		MetadataURI:      args.MetadataURI,
		OracleType:       oracleType,
		OraclePubkey:     oracle,
		MintAddress:      ix.Account(4),
		MarketType:       args.MarketType,
		MarketState:      depredict.StatePending,
		StartTime:        args.StartTime,
		EndTime:          args.EndTime,
		BettingStartTime: args.BettingStartTime,
	}
	data, err := market.Encode()
	if err != nil {
		return err
	}
	state.Put(&ledger.Account{Address: marketAddr, Owner: depredict.ProgramID, Lamports: state.Rent(uint64(len(data))), Data: data})

	cfg.NextMarketID++
	cfg.NumMarkets++
	cfgData, err := cfg.Encode()
	if err != nil {
		return err
	}
	state.Put(&ledger.Account{Address: configAddr, Owner: depredict.ProgramID, Lamports: configAcct.Lamports, Data: cfgData})

	mc.NumMarkets++
	mc.ActiveMarkets++
	state.Log("Program log: Instruction: CreateMarket id=%d", market.MarketID)
	return storeMarketCreator(state, creatorAddr, mc)
}

func resolveMarket(state *ledgertest.State, ix ledgertest.Instruction) error {
	var args depredict.ResolveMarketArgs
	if _, err := depredict.DecodeInstruction(ix.Data, &args); err != nil {
		return err
	}
	mc, creatorAddr, err := requireCreator(state, ix)
	if err != nil {
		return err
	}
	marketAcct, ok := state.Get(ix.Account(2))
	if !ok {
		return programError(ErrCodeInvalidAccounts, "AccountNotInitialized")
	}
	market, err := depredict.DecodeMarket(marketAcct.Data)
	if err != nil {
		return err
	}
	if !market.MarketCreator.Equals(creatorAddr) || market.MarketID != args.MarketID {
		return programError(ErrCodeUnauthorized, "Unauthorized")
	}
	if market.MarketState == depredict.StateResolved {
		return programError(ErrCodeMarketResolved, "MarketAlreadyResolved")
	}

	switch {
	case args.Resolution != nil && *args.Resolution == depredict.ResolutionYes:
		market.WinningDirection = depredict.DirectionYes
	case args.Resolution != nil && *args.Resolution == depredict.ResolutionNo:
		market.WinningDirection = depredict.DirectionNo
	case args.Resolution != nil:
		return errors.New("invalid resolution value")
	default:
		if market.ManualResolution() {
			return programError(ErrCodeManualOracle, "ManualOracleRequiresResolution")
		}
		if !ix.Account(3).Equals(market.OraclePubkey) {
			return programError(ErrCodeInvalidAccounts, "ConstraintAddress")
		}
		oracleAcct, ok := state.Get(market.OraclePubkey)
		if !ok || len(oracleAcct.Data) == 0 {
			return programError(ErrCodeOracleNotReady, "OracleNotResolved")
		}
		switch oracleAcct.Data[0] {
		case OracleYes:
			market.WinningDirection = depredict.DirectionYes
		case OracleNo:
			market.WinningDirection = depredict.DirectionNo
		default:
			return programError(ErrCodeOracleNotReady, "OracleNotResolved")
		}
	}
	market.MarketState = depredict.StateResolved
	data, err := market.Encode()
	if err != nil {
		return err
	}
	state.Put(&ledger.Account{Address: ix.Account(2), Owner: depredict.ProgramID, Lamports: marketAcct.Lamports, Data: data})
	if mc.ActiveMarkets > 0 {
		mc.ActiveMarkets--
	}
	state.Log("Program log: Instruction: ResolveMarket id=%d winner=%s", market.MarketID, market.WinningDirection)
	return storeMarketCreator(state, creatorAddr, mc)
}

func handleCore(state *ledgertest.State, ix ledgertest.Instruction) error {
	args, err := mplcore.DecodeCreateCollection(ix.Data)
	if err != nil {
		return err
	}
	collectionAddr := ix.Account(0)
	if !ix.IsSigner(0) || !ix.IsSigner(2) {
		return errors.New("missing required signature for collection or payer")
	}
	if _, exists := state.Get(collectionAddr); exists {
		return fmt.Errorf("%w: %s", ledgertest.ErrAccountInUse, collectionAddr)
	}
	collection := mplcore.Collection{UpdateAuthority: ix.Account(1), Name: args.Name, URI: args.URI}
	data, err := collection.Encode()
	if err != nil {
		return err
	}
	state.Put(&ledger.Account{Address: collectionAddr, Owner: mplcore.ProgramID, Lamports: state.Rent(uint64(len(data))), Data: data})
	state.Log("Program log: Instruction: CreateCollectionV2")
	return nil
}

func handleBubblegum(state *ledgertest.State, ix ledgertest.Instruction) error {
	if len(ix.Data) < 8 {
		return errors.New("bubblegum: short instruction")
	}
	var disc [8]byte
	copy(disc[:], ix.Data[:8])
	switch disc {
	case bubblegum.CreateTreeV2Discriminator:
		return createTree(state, ix)
	case bubblegum.SetTreeDelegateDiscriminator:
		return setTreeDelegate(state, ix)
	default:
		return errors.New("bubblegum: unsupported instruction")
	}
}

func createTree(state *ledgertest.State, ix ledgertest.Instruction) error {
	args, err := bubblegum.DecodeCreateTreeV2(ix.Data)
	if err != nil {
		return err
	}
	configAddr, treeAddr, creator := ix.Account(0), ix.Account(1), ix.Account(3)
	if !ix.IsSigner(2) || !ix.IsSigner(3) {
		return errors.New("bubblegum: payer and tree creator must sign")
	}
	expected, _, _ := bubblegum.TreeConfigAddress(treeAddr)
	if !expected.Equals(configAddr) {
		return errors.New("bubblegum: tree config seeds mismatch")
	}
	if _, exists := state.Get(configAddr); exists {
		return fmt.Errorf("%w: %s", ledgertest.ErrAccountInUse, configAddr)
	}
	treeAcct, ok := state.Get(treeAddr)
	if !ok || !treeAcct.Owner.Equals(bubblegum.CompressionProgramID) {
		return errors.New("bubblegum: merkle tree account not allocated")
	}
	size := uint64(len(treeAcct.Data))
	if _, err := bubblegum.CanopyDepthForSize(args.MaxDepth, args.MaxBufferSize, size); err != nil {
		return err
	}
	treeAcct.Data, err = bubblegum.EncodeTreeHeader(bubblegum.TreeHeader{
		MaxBufferSize: args.MaxBufferSize,
		MaxDepth:      args.MaxDepth,
		Authority:     configAddr,
	}, size)
	if err != nil {
		return err
	}
	state.Put(treeAcct)

	public := args.Public != nil && *args.Public
	cfg := bubblegum.TreeConfig{
		TreeCreator:       creator,
		TreeDelegate:      creator,
		TotalMintCapacity: uint64(1) << args.MaxDepth,
		IsPublic:          public,
		Version:           1,
	}
	data, err := cfg.Encode()
	if err != nil {
		return err
	}
	state.Put(&ledger.Account{Address: configAddr, Owner: bubblegum.ProgramID, Lamports: state.Rent(uint64(len(data))), Data: data})
	state.Log("Program log: Instruction: CreateTreeV2")
	return nil
}

func setTreeDelegate(state *ledgertest.State, ix ledgertest.Instruction) error {
	configAddr, signer, delegate := ix.Account(0), ix.Account(1), ix.Account(2)
	if !ix.IsSigner(1) {
		return errors.New("bubblegum: tree creator must sign")
	}
	acct, ok := state.Get(configAddr)
	if !ok {
		return errors.New("bubblegum: tree config not found")
	}
	cfg, err := bubblegum.DecodeTreeConfig(acct.Data)
	if err != nil {
		return err
	}
	if !cfg.TreeCreator.Equals(signer) && !cfg.TreeDelegate.Equals(signer) {
		return errors.New("bubblegum: signer is not tree creator or delegate")
	}
	cfg.TreeDelegate = delegate
	data, err := cfg.Encode()
	if err != nil {
		return err
	}
	acct.Data = data
	state.Put(acct)
	state.Log("Program log: Instruction: SetTreeDelegate")
	return nil
}
