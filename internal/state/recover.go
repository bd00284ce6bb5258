package state

import (
	"context"
	"fmt"
	"os"

	"predmkt/internal/outbox"
	"predmkt/internal/schema"
)

// RecoverConfig controls snapshot + outbox recovery.
type RecoverConfig struct {
	OutboxDir       string
	SnapshotPath    string
	FilePrefix      string
	DisableChecksum bool
	MaxPayloadSize  int
}

// RecoverResult contains recovery metadata.
type RecoverResult struct {
	LastSeq     uint64
	LastEventTs int64
	Applied     int
}

// Recover loads a snapshot, when one exists, and replays the outbox tail
// into the reducer.
func Recover(ctx context.Context, cfg RecoverConfig, r *Reducer) (RecoverResult, error) {
	if cfg.OutboxDir == "" {
		return RecoverResult{}, fmt.Errorf("outbox dir is empty")
	}
	var res RecoverResult

	if cfg.SnapshotPath != "" {
		snapshot, err := ReadSnapshot(cfg.SnapshotPath)
		switch {
		case err == nil:
			r.ApplySnapshot(snapshot)
			res.LastSeq = snapshot.LastSeq
			res.LastEventTs = snapshot.LastEventTs
		case os.IsNotExist(err):
		default:
			return RecoverResult{}, err
		}
	}

	pb, err := outbox.NewPlayback(outbox.PlaybackConfig{
		Dir:             cfg.OutboxDir,
		FilePrefix:      cfg.FilePrefix,
		AfterSeq:        res.LastSeq,
		DisableChecksum: cfg.DisableChecksum,
		MaxPayloadSize:  cfg.MaxPayloadSize,
	})
	if err != nil {
		return RecoverResult{}, err
	}

	err = pb.Run(ctx, func(header schema.EventHeader, payload []byte) error {
		if header.Seq <= res.LastSeq {
			return nil
		}
		if err := r.Apply(header, payload); err != nil {
			return err
		}
		res.LastSeq = header.Seq
		if header.TsEvent > res.LastEventTs {
			res.LastEventTs = header.TsEvent
		}
		res.Applied++
		return nil
	})
	if err != nil {
		return RecoverResult{}, err
	}
	return res, nil
}
