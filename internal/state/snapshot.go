package state

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bytedance/sonic"

	"predmkt/internal/exposure"
	"predmkt/internal/schema"
)

// Snapshot captures markets, balances and open exposure at a journal
// position. Recovery replays only records after LastSeq.
type Snapshot struct {
	Timestamp   int64            `json:"timestamp"`
	LastSeq     uint64           `json:"lastSeq"`
	LastEventTs int64            `json:"lastEventTs"`
	Markets     []MarketEntry    `json:"markets"`
	Balances    []schema.Balance `json:"balances"`
	Exposure    []exposure.Open  `json:"exposure"`
}

// MarketEntry is one market with its sync halt flag.
type MarketEntry struct {
	Market schema.Market `json:"market"`
	Halted bool          `json:"halted"`
}

// Snapshot builds a snapshot of the current state.
func (r *Reducer) Snapshot() Snapshot {
	return r.SnapshotWithMeta(0, 0)
}

// SnapshotWithMeta builds a snapshot with journal metadata. Writers must be
// quiet while it runs.
func (r *Reducer) SnapshotWithMeta(lastSeq uint64, lastEventTs int64) Snapshot {
	markets := r.Arena.List()
	entries := make([]MarketEntry, 0, len(markets))
	for _, m := range markets {
		entries = append(entries, MarketEntry{Market: m, Halted: r.Arena.Halted(m.ID)})
	}
	snap := Snapshot{
		Timestamp:   time.Now().UTC().UnixNano(),
		LastSeq:     lastSeq,
		LastEventTs: lastEventTs,
		Markets:     entries,
		Balances:    r.Ledger.Snapshot(),
	}
	if r.Exposure != nil {
		snap.Exposure = r.Exposure.Export()
	}
	return snap
}

// ApplySnapshot replaces the state with a snapshot.
func (r *Reducer) ApplySnapshot(snap Snapshot) {
	for _, e := range snap.Markets {
		r.Arena.Put(e.Market, e.Halted)
	}
	r.Ledger.Restore(snap.Balances)
	if r.Exposure != nil {
		r.Exposure.Restore(snap.Exposure)
	}
}

// WriteSnapshot writes a snapshot to disk as JSON. The file is replaced
// atomically.
func WriteSnapshot(path string, snapshot Snapshot) error {
	data, err := sonic.ConfigStd.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// ReadSnapshot loads a snapshot from disk.
func ReadSnapshot(path string) (Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Snapshot{}, err
	}
	var snap Snapshot
	if err := sonic.ConfigStd.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

// CompareSnapshots checks if two snapshots describe the same state.
func CompareSnapshots(expected, actual Snapshot) error {
	if len(expected.Markets) != len(actual.Markets) {
		return fmt.Errorf("snapshot market count mismatch: expected=%d actual=%d", len(expected.Markets), len(actual.Markets))
	}
	markets := make(map[string]MarketEntry, len(expected.Markets))
	for _, e := range expected.Markets {
		markets[e.Market.ID] = e
	}
	for _, got := range actual.Markets {
		want, ok := markets[got.Market.ID]
		if !ok {
			return fmt.Errorf("snapshot missing market: %s", got.Market.ID)
		}
		if want.Halted != got.Halted || want.Market.Status != got.Market.Status || want.Market.Winner != got.Market.Winner {
			return fmt.Errorf("snapshot market state mismatch: %s", got.Market.ID)
		}
		if len(want.Market.Q) != len(got.Market.Q) {
			return fmt.Errorf("snapshot q length mismatch: %s", got.Market.ID)
		}
		for i := range want.Market.Q {
			if want.Market.Q[i] != got.Market.Q[i] {
				return fmt.Errorf("snapshot q mismatch: market=%s outcome=%d expected=%v actual=%v", got.Market.ID, i, want.Market.Q[i], got.Market.Q[i])
			}
		}
	}

	if len(expected.Balances) != len(actual.Balances) {
		return fmt.Errorf("snapshot balance count mismatch: expected=%d actual=%d", len(expected.Balances), len(actual.Balances))
	}
	balances := make(map[[2]string]schema.Balance, len(expected.Balances))
	for _, b := range expected.Balances {
		balances[[2]string{b.Owner, b.Instrument}] = b
	}
	for _, got := range actual.Balances {
		want, ok := balances[[2]string{got.Owner, got.Instrument}]
		if !ok {
			return fmt.Errorf("snapshot missing balance: %s %s", got.Owner, got.Instrument)
		}
		if !want.Available.Equal(got.Available) || !want.Locked.Equal(got.Locked) {
			return fmt.Errorf("snapshot balance mismatch: %s %s expected=%s actual=%s", got.Owner, got.Instrument, want.Total(), got.Total())
		}
	}

	if len(expected.Exposure) != len(actual.Exposure) {
		return fmt.Errorf("snapshot exposure count mismatch: expected=%d actual=%d", len(expected.Exposure), len(actual.Exposure))
	}
	open := make(map[string]exposure.Open, len(expected.Exposure))
	for _, o := range expected.Exposure {
		open[o.TradeID] = o
	}
	for _, got := range actual.Exposure {
		want, ok := open[got.TradeID]
		if !ok || !want.Notional.Equal(got.Notional) {
			return fmt.Errorf("snapshot exposure mismatch: trade=%s", got.TradeID)
		}
	}
	return nil
}
