// Package journal keeps a durable, append-only copy of the trade ledger in
// pebble so that a restarted server carries on the trade sequence.
package journal

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	. "matchcore/internal/common"

	"github.com/cockroachdb/pebble"
	"github.com/rs/zerolog/log"
)

var (
	ErrOutOfOrder = errors.New("trade sequence out of order")
	ErrClosed     = errors.New("journal closed")
)

// keys: t:<8-byte big-endian seq>
var tradePrefix = []byte("t:")

func kTrade(seq uint64) []byte {
	key := make([]byte, len(tradePrefix)+8)
	copy(key, tradePrefix)
	binary.BigEndian.PutUint64(key[len(tradePrefix):], seq)
	return key
}

func seqOf(key []byte) uint64 {
	return binary.BigEndian.Uint64(key[len(tradePrefix):])
}

type Journal struct {
	db   *pebble.DB
	last uint64 // Highest sequence stored.
}

// Open opens (or creates) the journal at path.
func Open(path string) (*Journal, error) {
	return OpenWithOptions(path, &pebble.Options{})
}

func OpenWithOptions(path string, opts *pebble.Options) (*Journal, error) {
	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("open journal %s: %w", path, err)
	}
	j := &Journal{db: db}
	if j.last, err = j.lastSeq(); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Info().Str("path", path).Uint64("last trade", j.last).Msg("journal opened")
	return j, nil
}

func (j *Journal) Close() error {
	if j.db == nil {
		return ErrClosed
	}
	err := j.db.Close()
	j.db = nil
	return err
}

// Last is the highest trade sequence stored, zero when empty.
func (j *Journal) Last() uint64 { return j.last }

// Append durably stores a trade. Sequences must strictly increase so that
// the journal never rewrites history.
func (j *Journal) Append(trade Trade) error {
	if j.db == nil {
		return ErrClosed
	}
	if trade.Seq <= j.last {
		return fmt.Errorf("%w: got %d after %d", ErrOutOfOrder, trade.Seq, j.last)
	}
	val, err := json.Marshal(trade)
	if err != nil {
		return fmt.Errorf("encode trade %d: %w", trade.Seq, err)
	}
	if err := j.db.Set(kTrade(trade.Seq), val, pebble.Sync); err != nil {
		return fmt.Errorf("write trade %d: %w", trade.Seq, err)
	}
	j.last = trade.Seq
	return nil
}

// OnTrade lets the journal listen to the engine directly.
func (j *Journal) OnTrade(trade Trade) error {
	return j.Append(trade)
}

// Get returns the trade stored at seq.
func (j *Journal) Get(seq uint64) (Trade, bool, error) {
	if j.db == nil {
		return Trade{}, false, ErrClosed
	}
	val, closer, err := j.db.Get(kTrade(seq))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return Trade{}, false, nil
		}
		return Trade{}, false, err
	}
	defer closer.Close()

	var trade Trade
	if err := json.Unmarshal(val, &trade); err != nil {
		return Trade{}, false, fmt.Errorf("decode trade %d: %w", seq, err)
	}
	return trade, true, nil
}

// Trades returns every stored trade in sequence order.
func (j *Journal) Trades() ([]Trade, error) {
	var out []Trade
	err := j.Scan(0, func(trade Trade) bool {
		out = append(out, trade)
		return true
	})
	return out, err
}

// Scan calls fn for every trade with Seq > after, in order, until fn
// returns false.
func (j *Journal) Scan(after uint64, fn func(Trade) bool) error {
	if j.db == nil {
		return ErrClosed
	}
	iter, err := j.db.NewIter(&pebble.IterOptions{
		LowerBound: kTrade(after + 1),
		UpperBound: []byte("t;"), // ':' + 1
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		var trade Trade
		if err := json.Unmarshal(iter.Value(), &trade); err != nil {
			return fmt.Errorf("decode trade %d: %w", seqOf(iter.Key()), err)
		}
		if !fn(trade) {
			break
		}
	}
	return iter.Error()
}

func (j *Journal) lastSeq() (uint64, error) {
	iter, err := j.db.NewIter(&pebble.IterOptions{
		LowerBound: tradePrefix,
		UpperBound: []byte("t;"),
	})
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	if !iter.Last() {
		return 0, iter.Error()
	}
	return seqOf(iter.Key()), nil
}
