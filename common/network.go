package common

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg"
)

type Network struct {
	Name string
}

var Bitcoin = Network{
	Name: "bitcoin",
}

var BitcoinTestNet = Network{
	Name: "testnet",
}

var BitcoinSigNet = Network{
	Name: "signet",
}

var BitcoinRegTest = Network{
	Name: "regtest",
}

// ChainParams maps a network to the btcd chain parameters carrying the
// bech32m human-readable prefix used for taproot addresses.
func (n Network) ChainParams() (*chaincfg.Params, error) {
	switch n.Name {
	case Bitcoin.Name:
		return &chaincfg.MainNetParams, nil
	case BitcoinTestNet.Name:
		return &chaincfg.TestNet3Params, nil
	case BitcoinSigNet.Name:
		return &chaincfg.SigNetParams, nil
	case BitcoinRegTest.Name:
		return &chaincfg.RegressionNetParams, nil
	default:
		return nil, fmt.Errorf("unknown network: %s", n.Name)
	}
}

func NetworkFromString(name string) (Network, error) {
	switch name {
	case Bitcoin.Name:
		return Bitcoin, nil
	case BitcoinTestNet.Name:
		return BitcoinTestNet, nil
	case BitcoinSigNet.Name:
		return BitcoinSigNet, nil
	case BitcoinRegTest.Name:
		return BitcoinRegTest, nil
	default:
		return Network{}, fmt.Errorf("unknown network: %s", name)
	}
}
