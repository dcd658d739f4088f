package ingestion

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"position-ledger/internal/domain"
)

// positionManagerABI holds the NonfungiblePositionManager events the ledger consumes.
const positionManagerABI = `[
	{"anonymous":false,"type":"event","name":"IncreaseLiquidity","inputs":[
		{"indexed":true,"name":"tokenId","type":"uint256"},
		{"indexed":false,"name":"liquidity","type":"uint128"},
		{"indexed":false,"name":"amount0","type":"uint256"},
		{"indexed":false,"name":"amount1","type":"uint256"}]},
	{"anonymous":false,"type":"event","name":"DecreaseLiquidity","inputs":[
		{"indexed":true,"name":"tokenId","type":"uint256"},
		{"indexed":false,"name":"liquidity","type":"uint128"},
		{"indexed":false,"name":"amount0","type":"uint256"},
		{"indexed":false,"name":"amount1","type":"uint256"}]},
	{"anonymous":false,"type":"event","name":"Collect","inputs":[
		{"indexed":true,"name":"tokenId","type":"uint256"},
		{"indexed":false,"name":"recipient","type":"address"},
		{"indexed":false,"name":"amount0","type":"uint256"},
		{"indexed":false,"name":"amount1","type":"uint256"}]}
]`

// poolABI holds the pool's slot0 view.
const poolABI = `[
	{"type":"function","name":"slot0","stateMutability":"view","inputs":[],"outputs":[
		{"name":"sqrtPriceX96","type":"uint160"},
		{"name":"tick","type":"int24"},
		{"name":"observationIndex","type":"uint16"},
		{"name":"observationCardinality","type":"uint16"},
		{"name":"observationCardinalityNext","type":"uint16"},
		{"name":"feeProtocol","type":"uint8"},
		{"name":"unlocked","type":"bool"}]}
]`

var (
	managerABI = mustParseABI(positionManagerABI)
	slot0ABI   = mustParseABI(poolABI)

	// Event topics
	TopicIncreaseLiquidity = managerABI.Events["IncreaseLiquidity"].ID
	TopicDecreaseLiquidity = managerABI.Events["DecreaseLiquidity"].ID
	TopicCollect           = managerABI.Events["Collect"].ID
)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("parse abi: %v", err))
	}
	return parsed
}

// TokenIDTopic returns the indexed tokenId topic for a decimal NFT id.
func TokenIDTopic(nftID string) (common.Hash, error) {
	id, ok := new(big.Int).SetString(nftID, 10)
	if !ok || id.Sign() < 0 {
		return common.Hash{}, fmt.Errorf("invalid nft id %q", nftID)
	}
	return common.BigToHash(id), nil
}

// DecodePositionLog converts a position manager log into a raw event.
// BlockTimestamp is left zero; the caller attaches it.
func DecodePositionLog(chainID int64, lg types.Log) (*domain.RawEvent, error) {
	if len(lg.Topics) < 2 {
		return nil, fmt.Errorf("log %s/%d: expected 2 topics, got %d", lg.TxHash.Hex(), lg.Index, len(lg.Topics))
	}

	ev := &domain.RawEvent{
		ChainID:          chainID,
		NFTID:            lg.Topics[1].Big().String(),
		BlockNumber:      lg.BlockNumber,
		TransactionIndex: lg.TxIndex,
		LogIndex:         lg.Index,
		TransactionHash:  lg.TxHash.Hex(),
	}

	switch lg.Topics[0] {
	case TopicIncreaseLiquidity:
		liquidity, amount0, amount1, err := unpackLiquidity("IncreaseLiquidity", lg.Data)
		if err != nil {
			return nil, err
		}
		ev.Type = domain.RawEventIncreaseLiquidity
		ev.Increase = &domain.IncreaseLiquidity{Liquidity: liquidity, Amount0: amount0, Amount1: amount1}
	case TopicDecreaseLiquidity:
		liquidity, amount0, amount1, err := unpackLiquidity("DecreaseLiquidity", lg.Data)
		if err != nil {
			return nil, err
		}
		ev.Type = domain.RawEventDecreaseLiquidity
		ev.Decrease = &domain.DecreaseLiquidity{Liquidity: liquidity, Amount0: amount0, Amount1: amount1}
	case TopicCollect:
		values, err := managerABI.Unpack("Collect", lg.Data)
		if err != nil {
			return nil, fmt.Errorf("unpack Collect: %w", err)
		}
		recipient, ok0 := values[0].(common.Address)
		amount0, ok1 := values[1].(*big.Int)
		amount1, ok2 := values[2].(*big.Int)
		if !ok0 || !ok1 || !ok2 {
			return nil, fmt.Errorf("unpack Collect: unexpected value types")
		}
		ev.Type = domain.RawEventCollect
		ev.Collect = &domain.Collect{Recipient: recipient.Hex(), Amount0: amount0, Amount1: amount1}
	default:
		return nil, fmt.Errorf("log %s/%d: unknown topic %s", lg.TxHash.Hex(), lg.Index, lg.Topics[0].Hex())
	}

	return ev, nil
}

func unpackLiquidity(event string, data []byte) (liquidity, amount0, amount1 *big.Int, err error) {
	values, err := managerABI.Unpack(event, data)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("unpack %s: %w", event, err)
	}
	var ok [3]bool
	liquidity, ok[0] = values[0].(*big.Int)
	amount0, ok[1] = values[1].(*big.Int)
	amount1, ok[2] = values[2].(*big.Int)
	if !ok[0] || !ok[1] || !ok[2] {
		return nil, nil, nil, fmt.Errorf("unpack %s: unexpected value types", event)
	}
	return liquidity, amount0, amount1, nil
}

// packSlot0Call returns the calldata for slot0().
func packSlot0Call() ([]byte, error) {
	return slot0ABI.Pack("slot0")
}

// unpackSqrtPrice extracts sqrtPriceX96 from slot0() return data.
func unpackSqrtPrice(out []byte) (*big.Int, error) {
	values, err := slot0ABI.Unpack("slot0", out)
	if err != nil {
		return nil, fmt.Errorf("unpack slot0: %w", err)
	}
	sqrtP, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unpack slot0: unexpected sqrtPriceX96 type %T", values[0])
	}
	return sqrtP, nil
}
