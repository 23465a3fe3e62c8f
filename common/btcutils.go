package common

import (
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
)

func IsValidBtcAddress(address string, cfg *chaincfg.Params) bool {
	if _, err := btcutil.DecodeAddress(address, cfg); err != nil {
		return false
	}

	return true
}

func MainNetParams() *chaincfg.Params {
	return &chaincfg.MainNetParams
}

// BtcParamsByName maps "mainnet" | "testnet" | "regtest" to chain params.
// Unknown names fall back to regtest.
func BtcParamsByName(name string) *chaincfg.Params {
	switch strings.ToLower(name) {
	case "mainnet":
		return &chaincfg.MainNetParams
	case "testnet", "testnet3":
		return &chaincfg.TestNet3Params
	default:
		return &chaincfg.RegressionNetParams
	}
}

// BtcAddressOnNet checks that the address both decodes and belongs to cfg's network.
func BtcAddressOnNet(address string, cfg *chaincfg.Params) error {
	addr, err := btcutil.DecodeAddress(address, cfg)
	if err != nil {
		return fmt.Errorf("invalid btc address %q: %w", address, err)
	}
	if !addr.IsForNet(cfg) {
		return fmt.Errorf("btc address %q is not for %s", address, cfg.Name)
	}
	return nil
}
