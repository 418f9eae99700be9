package persistence

import (
	"encoding/json"
	"fmt"

	"github.com/dgraph-io/badger/v3"

	"crypto-bot-engine/internal/models"
)

// Journal is the append-only audit store: every executed trade and
// every safety decision, keyed by bot and timestamp so a bot's history
// reads back in order with one prefix scan.
type Journal struct {
	db *badger.DB
}

func OpenJournal(dir string) (*Journal, error) {
	opts := badger.DefaultOptions(dir)
	// Badger's own logging is noise next to the engine logs; errors
	// still surface from the operations themselves.
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("persistence: open journal: %w", err)
	}
	return &Journal{db: db}, nil
}

func tradeKey(botID string, t models.Trade) []byte {
	return []byte(fmt.Sprintf("trade/%s/%020d/%s", botID, t.Ts.UnixNano(), t.ID))
}

func decisionKey(botID string, d models.DecisionRecord) []byte {
	return []byte(fmt.Sprintf("decision/%s/%020d/%s", botID, d.Ts.UnixNano(), d.TradeID))
}

// AppendTrade records an executed trade. Trades are immutable once
// written; a duplicate key overwrites with identical content.
func (j *Journal) AppendTrade(botID string, trade models.Trade) error {
	data, err := json.Marshal(trade)
	if err != nil {
		return fmt.Errorf("persistence: marshal trade: %w", err)
	}
	return j.db.Update(func(txn *badger.Txn) error {
		return txn.Set(tradeKey(botID, trade), data)
	})
}

// AppendDecision records the safety verdict attached to a trade.
func (j *Journal) AppendDecision(botID string, record models.DecisionRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("persistence: marshal decision: %w", err)
	}
	return j.db.Update(func(txn *badger.Txn) error {
		return txn.Set(decisionKey(botID, record), data)
	})
}

// ListTrades returns the bot's trades in append order.
func (j *Journal) ListTrades(botID string) ([]models.Trade, error) {
	var trades []models.Trade
	prefix := []byte("trade/" + botID + "/")

	err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var t models.Trade
				if err := json.Unmarshal(val, &t); err != nil {
					return err
				}
				trades = append(trades, t)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("persistence: list trades: %w", err)
	}
	return trades, nil
}

// ListDecisions returns the bot's safety decisions in append order.
func (j *Journal) ListDecisions(botID string) ([]models.DecisionRecord, error) {
	var records []models.DecisionRecord
	prefix := []byte("decision/" + botID + "/")

	err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var d models.DecisionRecord
				if err := json.Unmarshal(val, &d); err != nil {
					return err
				}
				records = append(records, d)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("persistence: list decisions: %w", err)
	}
	return records, nil
}

func (j *Journal) Close() error {
	return j.db.Close()
}
