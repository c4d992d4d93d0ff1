package evm

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Signer authorizes transactions for one account.
type Signer interface {
	Address() common.Address
	TransactOpts(ctx context.Context) (*bind.TransactOpts, error)
}

// RejectedError marks a refusal by the signer before dispatch.
type RejectedError struct {
	Reason error
}

func (e *RejectedError) Error() string {
	return "signer rejected transaction: " + e.Reason.Error()
}

func (e *RejectedError) Unwrap() error {
	return e.Reason
}

// KeyedSigner signs with an in-process private key.
type KeyedSigner struct {
	key     *ecdsa.PrivateKey
	chainID *big.Int
	address common.Address
}

// NewKeyedSigner parses a hex private key, with or without 0x prefix.
func NewKeyedSigner(hexKey string, chainID *big.Int) (*KeyedSigner, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if hexKey == "" {
		return nil, errors.New("signer key is required")
	}
	if chainID == nil || chainID.Sign() <= 0 {
		return nil, errors.New("chain id is required")
	}
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse signer key: %w", err)
	}
	return &KeyedSigner{
		key:     key,
		chainID: new(big.Int).Set(chainID),
		address: crypto.PubkeyToAddress(key.PublicKey),
	}, nil
}

// Address returns the signing account.
func (s *KeyedSigner) Address() common.Address {
	return s.address
}

// TransactOpts returns options whose signing failures surface as
// RejectedError.
func (s *KeyedSigner) TransactOpts(ctx context.Context) (*bind.TransactOpts, error) {
	opts, err := bind.NewKeyedTransactorWithChainID(s.key, s.chainID)
	if err != nil {
		return nil, &RejectedError{Reason: err}
	}
	sign := opts.Signer
	opts.Signer = func(from common.Address, tx *types.Transaction) (*types.Transaction, error) {
		signed, err := sign(from, tx)
		if err != nil {
			return nil, &RejectedError{Reason: err}
		}
		return signed, nil
	}
	opts.Context = ctx
	return opts, nil
}
