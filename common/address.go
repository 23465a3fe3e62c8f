package common

import (
	"errors"
	"fmt"
	"strings"

	"github.com/aptos-labs/aptos-go-sdk"
	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/btcsuite/btcd/btcutil/bech32"
	"github.com/btcsuite/btcd/chaincfg"
	ethcommon "github.com/ethereum/go-ethereum/common"
)

var (
	ErrInvalidAddress = errors.New("invalid address")
)

// AddressValidator rejects malformed destination addresses before any payout.
type AddressValidator func(address string) error

// BtcAddressValidator accepts any btc address of the given network.
func BtcAddressValidator(cfg *chaincfg.Params) AddressValidator {
	return func(address string) error {
		if err := BtcAddressOnNet(address, cfg); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidAddress, err)
		}
		return nil
	}
}

// EvmAddressValidator accepts 0x-prefixed 20 byte hex addresses, except the zero address.
func EvmAddressValidator() AddressValidator {
	return func(address string) error {
		if !ethcommon.IsHexAddress(address) {
			return fmt.Errorf("%w: %q is not an evm address", ErrInvalidAddress, address)
		}
		if ethcommon.HexToAddress(address) == (ethcommon.Address{}) {
			return fmt.Errorf("%w: zero evm address", ErrInvalidAddress)
		}
		return nil
	}
}

// AptosAddressValidator accepts long and short form aptos account addresses.
func AptosAddressValidator() AddressValidator {
	return func(address string) error {
		addr := aptos.AccountAddress{}
		if err := addr.ParseStringRelaxed(address); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidAddress, err)
		}
		return nil
	}
}

const (
	zecSaplingHrp        = "zs"
	zecTransparentLength = 21 // second prefix byte + 20 byte hash; CheckDecode strips the first as version
)

// ZecAddressValidator accepts sapling (zs1...) and transparent (t1/t3) zcash addresses.
func ZecAddressValidator() AddressValidator {
	return func(address string) error {
		switch {
		case strings.HasPrefix(address, zecSaplingHrp+"1"):
			hrp, _, err := bech32.DecodeNoLimit(address)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrInvalidAddress, err)
			}
			if hrp != zecSaplingHrp {
				return fmt.Errorf("%w: unexpected hrp %q", ErrInvalidAddress, hrp)
			}
			return nil
		case strings.HasPrefix(address, "t"):
			payload, _, err := base58.CheckDecode(address)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrInvalidAddress, err)
			}
			if len(payload) != zecTransparentLength {
				return fmt.Errorf("%w: bad transparent address length", ErrInvalidAddress)
			}
			return nil
		}
		return fmt.Errorf("%w: %q is not a zcash address", ErrInvalidAddress, address)
	}
}

// AccountChainValidator picks the validator for the account chain by format name.
func AccountChainValidator(format string) (AddressValidator, error) {
	switch strings.ToLower(format) {
	case "evm", "":
		return EvmAddressValidator(), nil
	case "aptos":
		return AptosAddressValidator(), nil
	}
	return nil, fmt.Errorf("unknown account chain format %q", format)
}
