package dcaengine

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/ChoSanghyuk/dcaengine/internal/db"
	"github.com/ChoSanghyuk/dcaengine/internal/interval"
	"github.com/ChoSanghyuk/dcaengine/internal/store"
)

func positionRecord(p *store.Position) db.PositionRecord {
	return db.PositionRecord{
		ID:              p.ID,
		Owner:           p.Owner.Hex(),
		FromToken:       p.From.Hex(),
		ToToken:         p.To.Hex(),
		Mask:            uint8(p.Mask),
		Rate:            db.BigIntToString(p.Rate),
		Residual:        db.BigIntToString(p.Residual),
		StartingSwap:    uint64(p.StartingSwap),
		FinalSwap:       uint64(p.FinalSwap),
		LastUpdatedSwap: uint64(p.LastUpdatedSwap),
	}
}

// terminatedPositionRecord is positionRecord plus Terminated: true, so LoadOpenPositions excludes
// this row on the next rehydrate. Terminate deletes the in-memory position but keeps the durable
// row (marked closed) rather than deleting it, preserving an audit trail.
func terminatedPositionRecord(p *store.Position) db.PositionRecord {
	r := positionRecord(p)
	r.Terminated = true
	return r
}

// positionFromRecord is positionRecord's inverse (the Terminated flag is not read), used by
// Engine.Restore to rebuild an in-memory Position from its durable row.
func positionFromRecord(rec db.PositionRecord) (*store.Position, error) {
	rate, err := db.StringToBigInt(rec.Rate)
	if err != nil {
		return nil, fmt.Errorf("rate: %w", err)
	}
	residual, err := db.StringToBigInt(rec.Residual)
	if err != nil {
		return nil, fmt.Errorf("residual: %w", err)
	}
	return &store.Position{
		ID:              rec.ID,
		Owner:           common.HexToAddress(rec.Owner),
		From:            common.HexToAddress(rec.FromToken),
		To:              common.HexToAddress(rec.ToToken),
		Mask:            interval.Mask(rec.Mask),
		Rate:            rate,
		StartingSwap:    store.SwapNumber(rec.StartingSwap),
		FinalSwap:       store.SwapNumber(rec.FinalSwap),
		LastUpdatedSwap: store.SwapNumber(rec.LastUpdatedSwap),
		Residual:        residual,
	}, nil
}

// tripleSnapshotRecord captures a triple's full state — including the entire Delta and Accum
// series and the pair's active mask, not just a point scalar — so LatestTripleSnapshot can fully
// reconstruct S[T] on restart (SPEC_FULL.md §3/§4's durable-persistence requirement; spec.md §3
// "persists forever").
func tripleSnapshotRecord(key store.TripleKey, ts *store.TripleState, activeMask interval.Mask, now uint64) (db.TripleSnapshotRecord, error) {
	deltaJSON, err := encodeSwapMap(ts.Delta)
	if err != nil {
		return db.TripleSnapshotRecord{}, fmt.Errorf("encode delta: %w", err)
	}
	accumJSON, err := encodeSwapMap(ts.Accum)
	if err != nil {
		return db.TripleSnapshotRecord{}, fmt.Errorf("encode accum: %w", err)
	}
	return db.TripleSnapshotRecord{
		Timestamp:        time.Unix(int64(now), 0),
		FromToken:        key.From.Hex(),
		ToToken:          key.To.Hex(),
		Mask:             uint8(key.Mask),
		ActiveMask:       uint8(activeMask),
		PerformedSwaps:   uint64(ts.PerformedSwaps),
		NextAmount:       db.BigIntToString(ts.NextAmount),
		NextToNextAmount: db.BigIntToString(ts.NextToNextAmount),
		LastSwappedAt:    ts.LastSwappedAt,
		DeltaJSON:        deltaJSON,
		AccumJSON:        accumJSON,
	}, nil
}

// tripleStateFromRecord is tripleSnapshotRecord's inverse, used by Engine.Restore.
func tripleStateFromRecord(rec db.TripleSnapshotRecord) (*store.TripleState, interval.Mask, error) {
	delta, err := decodeSwapMap(rec.DeltaJSON)
	if err != nil {
		return nil, 0, fmt.Errorf("delta: %w", err)
	}
	accum, err := decodeSwapMap(rec.AccumJSON)
	if err != nil {
		return nil, 0, fmt.Errorf("accum: %w", err)
	}
	nextAmount, err := db.StringToBigInt(rec.NextAmount)
	if err != nil {
		return nil, 0, fmt.Errorf("next_amount: %w", err)
	}
	nextToNext, err := db.StringToBigInt(rec.NextToNextAmount)
	if err != nil {
		return nil, 0, fmt.Errorf("next_to_next_amount: %w", err)
	}
	ts := &store.TripleState{
		PerformedSwaps:   store.SwapNumber(rec.PerformedSwaps),
		NextAmount:       nextAmount,
		NextToNextAmount: nextToNext,
		LastSwappedAt:    rec.LastSwappedAt,
		Delta:            delta,
		Accum:            accum,
	}
	return ts, interval.Mask(rec.ActiveMask), nil
}

// encodeSwapMap/decodeSwapMap serialize a sparse SwapNumber-keyed big.Int map to JSON (whose
// keys must be strings) for storage in a single text column.
func encodeSwapMap(m map[store.SwapNumber]*big.Int) (string, error) {
	raw := make(map[string]string, len(m))
	for k, v := range m {
		raw[strconv.FormatUint(uint64(k), 10)] = db.BigIntToString(v)
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeSwapMap(s string) (map[store.SwapNumber]*big.Int, error) {
	out := make(map[store.SwapNumber]*big.Int)
	if s == "" {
		return out, nil
	}
	var raw map[string]string
	if err := json.Unmarshal([]byte(s), &raw); err != nil {
		return nil, err
	}
	for k, v := range raw {
		n, err := strconv.ParseUint(k, 10, 64)
		if err != nil {
			return nil, err
		}
		bi, err := db.StringToBigInt(v)
		if err != nil {
			return nil, err
		}
		out[store.SwapNumber(n)] = bi
	}
	return out, nil
}
