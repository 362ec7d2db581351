package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/lightningnetwork/lnd/lnwallet/chainfee"
	"github.com/optimalbrew/vaultero/common"
	"github.com/spf13/viper"
)

type Config struct {
	Datadir  string
	LogLevel int
	FeeRate  chainfee.SatPerKVByte

	Network common.Network
}

func (c *Config) String() string {
	json, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Sprintf("error while marshalling config JSON: %s", err)
	}
	return string(json)
}

var (
	Datadir  = "DATADIR"
	LogLevel = "LOG_LEVEL"
	FeeRate  = "FEE_RATE"
	Network  = "NETWORK"

	defaultDatadir  = btcutil.AppDataDir("vaultero", false)
	defaultLogLevel = 4
	defaultFeeRate  = 2000 // sat/kvB
	defaultNetwork  = common.BitcoinRegTest.Name
)

func LoadConfig() (*Config, error) {
	viper.SetEnvPrefix("VAULTERO")
	viper.AutomaticEnv()

	viper.SetDefault(Datadir, defaultDatadir)
	viper.SetDefault(LogLevel, defaultLogLevel)
	viper.SetDefault(FeeRate, defaultFeeRate)
	viper.SetDefault(Network, defaultNetwork)

	net, err := common.NetworkFromString(viper.GetString(Network))
	if err != nil {
		return nil, err
	}

	feeRate := viper.GetInt64(FeeRate)
	if feeRate <= 0 {
		return nil, fmt.Errorf("fee rate must be positive, got %d", feeRate)
	}

	if err := initDatadir(); err != nil {
		return nil, fmt.Errorf("error while creating datadir: %s", err)
	}

	return &Config{
		Datadir:  viper.GetString(Datadir),
		LogLevel: viper.GetInt(LogLevel),
		FeeRate:  chainfee.SatPerKVByte(feeRate),
		Network:  net,
	}, nil
}

func initDatadir() error {
	datadir := viper.GetString(Datadir)
	return makeDirectoryIfNotExists(datadir)
}

func makeDirectoryIfNotExists(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return os.MkdirAll(path, os.ModeDir|0755)
	}
	return nil
}
