package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/escrownet/escrowd/internal/config"
	"github.com/escrownet/escrowd/internal/core/application"
	"github.com/escrownet/escrowd/internal/core/domain"
	"github.com/escrownet/escrowd/internal/core/protocol"
	"github.com/escrownet/escrowd/internal/infrastructure/pricefeed"
	dbbadger "github.com/escrownet/escrowd/internal/infrastructure/storage/db/badger"
	"github.com/escrownet/escrowd/internal/infrastructure/storage/db/inmemory"
	"github.com/escrownet/escrowd/internal/infrastructure/transport/inproc"
	btcwallet "github.com/escrownet/escrowd/internal/infrastructure/wallet/btc"
)

func main() {
	app := &cli.App{
		Name:   "escrowd",
		Usage:  "non-custodial peer-to-peer trading daemon",
		Action: runDaemon,
	}
	if err := app.Run(os.Args); err != nil {
		log.WithError(err).Fatal("daemon exited with error")
	}
}

// logBroadcaster stands in for a chain backend: it logs the transaction and
// reports its id. Swapped for a real broadcaster when a node RPC is wired.
type logBroadcaster struct{}

func (logBroadcaster) Broadcast(rawTx []byte) (string, error) {
	txID, err := btcwallet.TxID(rawTx)
	if err != nil {
		return "", err
	}
	log.Infof("broadcasting tx %s (%d bytes)", txID, len(rawTx))
	return txID, nil
}

func runDaemon(_ *cli.Context) error {
	if err := config.InitConfig(); err != nil {
		return err
	}
	log.SetLevel(log.Level(config.GetInt(config.LogLevelKey)))

	nodeAddress := domain.NodeAddress(config.GetString(config.NodeAddressKey))
	if nodeAddress == "" {
		return fmt.Errorf("missing %s", config.NodeAddressKey)
	}
	params, err := config.GetNetworkParams()
	if err != nil {
		return err
	}

	tradeRepo, offerRepo, closeDb, err := openRepositories()
	if err != nil {
		return err
	}
	defer closeDb()

	keyRing, err := protocol.GenerateKeyRing()
	if err != nil {
		return fmt.Errorf("generating key ring: %w", err)
	}

	wallet := btcwallet.NewService(
		params, logBroadcaster{},
		config.GetString(config.FeeAddressKey),
		uint64(config.GetInt(config.TakeOfferFeeKey)),
	)
	feed := pricefeed.NewService(config.GetString(config.PriceFeedURLKey))
	filter, err := newFilterService()
	if err != nil {
		return err
	}

	hub := inproc.NewHub()
	transport := hub.Connect(nodeAddress)
	defer transport.Close()

	offers := application.NewOpenOfferManager(offerRepo, nodeAddress, keyRing.PubKeyRing())
	trades := application.NewTradeManager(
		tradeRepo, offers, wallet, transport, feed, filter, keyRing,
		config.GetString(config.AccountIDKey),
		domain.PaymentAccountPayload{ID: config.GetString(config.AccountIDKey)},
	)

	if err := trades.RestorePendingTrades(context.Background()); err != nil {
		return fmt.Errorf("restoring pending trades: %w", err)
	}

	log.Infof("daemon up, node address %s, network %s", nodeAddress, params.Name)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
	<-sigChan

	log.Info("shutting down")
	return nil
}

func openRepositories() (domain.TradeRepository, domain.OfferRepository, func(), error) {
	switch config.GetString(config.DBTypeKey) {
	case config.DBTypeInMemory:
		return inmemory.NewTradeRepositoryImpl(), inmemory.NewOfferRepositoryImpl(), func() {}, nil
	default:
		dbDir := filepath.Join(config.GetDatadir(), config.DbLocation)
		db, err := dbbadger.NewDbManager(dbDir, nil)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("opening db at %s: %w", dbDir, err)
		}
		closeDb := func() {
			if err := db.Close(); err != nil {
				log.WithError(err).Warn("closing db")
			}
		}
		return dbbadger.NewTradeRepositoryImpl(db), dbbadger.NewOfferRepositoryImpl(db), closeDb, nil
	}
}

func newFilterService() (*application.FilterService, error) {
	pubKeyHex := config.GetString(config.FilterPubKeyKey)
	if pubKeyHex == "" {
		log.Warn("no filter publisher key configured, ban filter disabled")
		return application.NewNoopFilterService(), nil
	}
	pubKey, err := hex.DecodeString(pubKeyHex)
	if err != nil {
		return nil, fmt.Errorf("decoding filter publisher key: %w", err)
	}
	return application.NewFilterService(pubKey)
}
