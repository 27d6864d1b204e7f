package main

import (
	"context"
	"strings"
)

// WalletSession represents the authority to sign ledger transactions. It is
// injected into the coordinator as an opaque capability and may be nil (no
// session) or attached to the wrong network.
type WalletSession interface {
	// Address returns the signer address submitted as the transaction caller.
	Address() string
	// ChainID reports the network the session is currently attached to.
	ChainID(ctx context.Context) (string, error)
}

// StaticWalletSession is a config-backed session used by service deployments
// where the gateway signs with a custodial key pinned to one network.
type StaticWalletSession struct {
	address string
	chainID string
}

func NewStaticWalletSession(address, chainID string) *StaticWalletSession {
	return &StaticWalletSession{
		address: strings.TrimSpace(address),
		chainID: strings.TrimSpace(chainID),
	}
}

func (s *StaticWalletSession) Address() string { return s.address }

func (s *StaticWalletSession) ChainID(ctx context.Context) (string, error) {
	return s.chainID, nil
}
