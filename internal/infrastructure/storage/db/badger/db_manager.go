package dbbadger

import (
	"bytes"
	"fmt"

	"github.com/dgraph-io/badger/v3"
	json "github.com/goccy/go-json"
	"github.com/timshannon/badgerhold/v4"
)

// DbManager holds all the badgerhold stores in a single data structure.
type DbManager struct {
	TradeStore *badgerhold.Store
	OfferStore *badgerhold.Store
}

// NewDbManager opens (or creates if not exists) the badger stores on disk.
// It expects a base data dir and an optional logger and creates a dedicated
// directory per aggregate.
func NewDbManager(baseDbDir string, logger badger.Logger) (*DbManager, error) {
	tradeDb, err := createDb(baseDbDir+"/trades", logger)
	if err != nil {
		return nil, fmt.Errorf("opening trade db: %w", err)
	}

	offerDb, err := createDb(baseDbDir+"/offers", logger)
	if err != nil {
		return nil, fmt.Errorf("opening offer db: %w", err)
	}

	return &DbManager{
		TradeStore: tradeDb,
		OfferStore: offerDb,
	}, nil
}

// Close releases both underlying badger instances.
func (d *DbManager) Close() error {
	if err := d.TradeStore.Close(); err != nil {
		return err
	}
	return d.OfferStore.Close()
}

// JSONEncode is a custom JSON based encoder for badger.
func JSONEncode(value interface{}) ([]byte, error) {
	var buff bytes.Buffer

	en := json.NewEncoder(&buff)
	if err := en.Encode(value); err != nil {
		return nil, err
	}

	return buff.Bytes(), nil
}

// JSONDecode is a custom JSON based decoder for badger.
func JSONDecode(data []byte, value interface{}) error {
	de := json.NewDecoder(bytes.NewReader(data))
	return de.Decode(value)
}

func createDb(dbDir string, logger badger.Logger) (db *badgerhold.Store, err error) {
	opts := badger.DefaultOptions(dbDir)
	opts.Logger = logger

	db, err = badgerhold.Open(badgerhold.Options{
		Encoder:          JSONEncode,
		Decoder:          JSONDecode,
		SequenceBandwith: 100,
		Options:          opts,
	})

	return
}
