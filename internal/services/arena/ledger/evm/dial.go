package evm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
)

// DialConfig locates the chain and the contract.
type DialConfig struct {
	// RPCURL must support subscriptions (ws:// or ipc) for push events.
	RPCURL    string
	Address   string
	SignerKey string
	Options   Options
}

// Dial connects to the chain and binds the contract. The returned close
// function releases the RPC connection.
func Dial(ctx context.Context, cfg DialConfig) (*Contract, func(), error) {
	if strings.TrimSpace(cfg.RPCURL) == "" {
		return nil, nil, errors.New("ledger rpc url is required")
	}
	if !common.IsHexAddress(cfg.Address) {
		return nil, nil, fmt.Errorf("invalid contract address %q", cfg.Address)
	}
	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, nil, fmt.Errorf("dial ledger: %w", err)
	}

	var signer Signer
	if strings.TrimSpace(cfg.SignerKey) != "" {
		chainID, err := client.ChainID(ctx)
		if err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("read chain id: %w", err)
		}
		keyed, err := NewKeyedSigner(cfg.SignerKey, chainID)
		if err != nil {
			client.Close()
			return nil, nil, err
		}
		signer = keyed
	}

	contract, err := New(client, common.HexToAddress(cfg.Address), signer, cfg.Options)
	if err != nil {
		client.Close()
		return nil, nil, err
	}
	return contract, client.Close, nil
}
