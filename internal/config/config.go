package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/spf13/viper"
)

const (
	// NodeAddressKey is the address this node is reachable at on the trading
	// network, ie. myhost:9736
	NodeAddressKey = "NODE_ADDRESS"
	// DatadirKey is the local data directory to store the internal state of the daemon
	DatadirKey = "DATADIR"
	// LogLevelKey are the different logging levels. For reference on the values https://godoc.org/github.com/sirupsen/logrus#Level
	LogLevelKey = "LOG_LEVEL"
	// NetworkKey selects the Bitcoin network, one of mainnet, testnet, regtest
	NetworkKey = "NETWORK"
	// DBTypeKey is used to switch database type between those supported
	DBTypeKey = "DB_TYPE"
	// PriceFeedURLKey is the base url of the price node queried for reference
	// market prices
	PriceFeedURLKey = "PRICE_FEED_URL"
	// PriceToleranceKey is the default max relative deviation between the
	// taker's price and the reference price for market-priced offers
	PriceToleranceKey = "PRICE_TOLERANCE"
	// FeeAddressKey is the address receiving the take-offer fee payments
	FeeAddressKey = "FEE_ADDRESS"
	// TakeOfferFeeKey is the take-offer fee in satoshis
	TakeOfferFeeKey = "TAKE_OFFER_FEE"
	// FilterPubKeyKey is the hex-encoded pubkey the signed ban filter payloads
	// are verified against
	FilterPubKeyKey = "FILTER_PUBKEY"
	// AccountIDKey identifies the payment account used when taking offers
	AccountIDKey = "ACCOUNT_ID"
	// StatsIntervalKey defines interval for printing basic daemon statistics
	StatsIntervalKey = "STATS_INTERVAL"

	DbLocation = "db"

	// DBTypeBadger and DBTypeInMemory are the supported DB_TYPE values.
	DBTypeBadger   = "badger"
	DBTypeInMemory = "inmemory"
)

var vip *viper.Viper
var defaultDatadir = btcutil.AppDataDir("escrowd", false)

func InitConfig() error {
	vip = viper.New()
	vip.SetEnvPrefix("ESCROWD")
	vip.AutomaticEnv()

	vip.SetDefault(DatadirKey, defaultDatadir)
	vip.SetDefault(LogLevelKey, 4)
	vip.SetDefault(NetworkKey, "regtest")
	vip.SetDefault(DBTypeKey, DBTypeBadger)
	vip.SetDefault(PriceToleranceKey, 0.02)
	vip.SetDefault(TakeOfferFeeKey, 10000)
	vip.SetDefault(StatsIntervalKey, 600)

	if err := validate(); err != nil {
		return fmt.Errorf("error while validating config: %s", err)
	}

	if err := initDatadir(); err != nil {
		return fmt.Errorf("error while creating datadir: %s", err)
	}

	return nil
}

func GetString(key string) string {
	return vip.GetString(key)
}

func GetInt(key string) int {
	return vip.GetInt(key)
}

func GetFloat(key string) float64 {
	return vip.GetFloat64(key)
}

func GetDuration(key string) time.Duration {
	return vip.GetDuration(key)
}

func GetBool(key string) bool {
	return vip.GetBool(key)
}

func GetDatadir() string {
	return GetString(DatadirKey)
}

// GetNetworkParams maps the configured network name onto its chain params.
func GetNetworkParams() (*chaincfg.Params, error) {
	switch network := GetString(NetworkKey); network {
	case "mainnet":
		return &chaincfg.MainNetParams, nil
	case "testnet":
		return &chaincfg.TestNet3Params, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	default:
		return nil, fmt.Errorf("unknown network %q", network)
	}
}

func validate() error {
	datadir := GetString(DatadirKey)
	if len(datadir) <= 0 {
		return fmt.Errorf("missing datadir")
	}

	if _, err := GetNetworkParams(); err != nil {
		return err
	}

	switch dbType := GetString(DBTypeKey); dbType {
	case DBTypeBadger, DBTypeInMemory:
	default:
		return fmt.Errorf("unknown db type %q", dbType)
	}

	tolerance := GetFloat(PriceToleranceKey)
	if tolerance <= 0 || tolerance >= 1 {
		return fmt.Errorf("%s must be in the (0, 1) interval", PriceToleranceKey)
	}

	return nil
}

func initDatadir() error {
	return makeDirectoryIfNotExists(filepath.Join(GetDatadir(), DbLocation))
}

func makeDirectoryIfNotExists(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return os.MkdirAll(path, os.ModeDir|0755)
	}
	return nil
}
