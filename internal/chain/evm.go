package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"bezsettle/internal/config"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

var (
	transferSelector  = crypto.Keccak256([]byte("transfer(address,uint256)"))[:4]
	balanceOfSelector = crypto.Keccak256([]byte("balanceOf(address)"))[:4]
	transferTopic     = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))
)

// EVMClient 基于 go-ethereum ethclient 的 ERC-20 客户端
type EVMClient struct {
	client        *ethclient.Client
	chainID       *big.Int
	token         common.Address
	treasury      common.Address
	key           *ecdsa.PrivateKey
	confirmations uint64
}

func NewEVMClient(ctx context.Context, cfg *config.ChainConfig) (*EVMClient, error) {
	if !common.IsHexAddress(cfg.TokenAddress) {
		return nil, fmt.Errorf("chain.token_address 不合法: %s", cfg.TokenAddress)
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("chain.private_key 不合法: %w", err)
	}

	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("连接 RPC 失败: %w", err)
	}

	treasury := crypto.PubkeyToAddress(key.PublicKey)
	if cfg.TreasuryAddress != "" && !strings.EqualFold(cfg.TreasuryAddress, treasury.Hex()) {
		client.Close()
		return nil, fmt.Errorf("chain.treasury_address 与私钥不匹配: %s", cfg.TreasuryAddress)
	}

	return &EVMClient{
		client:        client,
		chainID:       big.NewInt(cfg.ChainID),
		token:         common.HexToAddress(cfg.TokenAddress),
		treasury:      treasury,
		key:           key,
		confirmations: cfg.Confirmations,
	}, nil
}

func (c *EVMClient) Close() {
	c.client.Close()
}

// Transfer 构造并发送 EIP-1559 交易，调用 token.transfer(to, amount)
func (c *EVMClient) Transfer(ctx context.Context, to string, amount *big.Int) (string, error) {
	if !common.IsHexAddress(to) {
		return "", fmt.Errorf("收款地址不合法: %s", to)
	}
	data := packTransfer(common.HexToAddress(to), amount)

	nonce, err := c.client.PendingNonceAt(ctx, c.treasury)
	if err != nil {
		return "", fmt.Errorf("获取 nonce 失败: %w", err)
	}
	tip, err := c.client.SuggestGasTipCap(ctx)
	if err != nil {
		return "", fmt.Errorf("获取 gas tip 失败: %w", err)
	}
	head, err := c.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("获取最新区块失败: %w", err)
	}
	feeCap := new(big.Int).Add(tip, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))

	gas, err := c.client.EstimateGas(ctx, ethereum.CallMsg{
		From: c.treasury,
		To:   &c.token,
		Data: data,
	})
	if err != nil {
		return "", fmt.Errorf("估算 gas 失败: %w", err)
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   c.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas * 12 / 10,
		To:        &c.token,
		Value:     big.NewInt(0),
		Data:      data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(c.chainID), c.key)
	if err != nil {
		return "", fmt.Errorf("签名交易失败: %w", err)
	}
	if err := c.client.SendTransaction(ctx, signed); err != nil {
		return "", fmt.Errorf("发送交易失败: %w", err)
	}
	return signed.Hash().Hex(), nil
}

// Receipt 确认数达到 confirmations 后才返回回执
func (c *EVMClient) Receipt(ctx context.Context, txHash string) (*Receipt, error) {
	receipt, err := c.client.TransactionReceipt(ctx, common.HexToHash(txHash))
	if errors.Is(err, ethereum.NotFound) {
		return nil, ErrPending
	}
	if err != nil {
		return nil, fmt.Errorf("查询回执失败: %w", err)
	}

	head, err := c.client.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("查询区块高度失败: %w", err)
	}
	mined := receipt.BlockNumber.Uint64()
	if head < mined || head-mined+1 < c.confirmations {
		return nil, ErrPending
	}

	return &Receipt{
		TxHash:      txHash,
		Success:     receipt.Status == types.ReceiptStatusSuccessful,
		BlockNumber: mined,
		Transfers:   c.parseTransfers(receipt.Logs),
	}, nil
}

func (c *EVMClient) BalanceOf(ctx context.Context, owner string) (*big.Int, error) {
	if !common.IsHexAddress(owner) {
		return nil, fmt.Errorf("地址不合法: %s", owner)
	}
	data := append(append([]byte{}, balanceOfSelector...),
		common.LeftPadBytes(common.HexToAddress(owner).Bytes(), 32)...)

	out, err := c.client.CallContract(ctx, ethereum.CallMsg{To: &c.token, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("查询余额失败: %w", err)
	}
	return new(big.Int).SetBytes(out), nil
}

// TreasuryAddress 用户购买积分时转入的地址
func (c *EVMClient) TreasuryAddress() string {
	return strings.ToLower(c.treasury.Hex())
}

func (c *EVMClient) parseTransfers(logs []*types.Log) []TokenTransfer {
	var transfers []TokenTransfer
	for _, l := range logs {
		if l.Address != c.token || len(l.Topics) != 3 || l.Topics[0] != transferTopic {
			continue
		}
		transfers = append(transfers, TokenTransfer{
			From:  strings.ToLower(common.BytesToAddress(l.Topics[1].Bytes()).Hex()),
			To:    strings.ToLower(common.BytesToAddress(l.Topics[2].Bytes()).Hex()),
			Value: new(big.Int).SetBytes(l.Data),
		})
	}
	return transfers
}

// packTransfer ABI 编码 transfer(address,uint256)
func packTransfer(to common.Address, amount *big.Int) []byte {
	data := make([]byte, 0, 4+32+32)
	data = append(data, transferSelector...)
	data = append(data, common.LeftPadBytes(to.Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(amount.Bytes(), 32)...)
	return data
}
