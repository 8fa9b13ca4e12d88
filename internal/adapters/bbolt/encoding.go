// Key and value encoding for journal buckets.
//
// Event keys are the bucket sequence number as 8 big-endian bytes, so cursor
// order is append order. Values are JSON: records stay readable with any
// bbolt browser and kinds/categories serialize by name.
package bbolt

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/zeami/zwatch/internal/ports"
)

const seqKeySize = 8

func seqKey(seq uint64) []byte {
	k := make([]byte, seqKeySize)
	binary.BigEndian.PutUint64(k, seq)
	return k
}

// parseSeqKey is bounds-checked to avoid panics on corrupt keys.
func parseSeqKey(k []byte) (uint64, error) {
	if len(k) != seqKeySize {
		return 0, fmt.Errorf("event key has %d bytes, want %d", len(k), seqKeySize)
	}
	return binary.BigEndian.Uint64(k), nil
}

// storedEvent is the value written under an event key. The sequence lives
// in the key only.
type storedEvent struct {
	RunID string                `json:"run_id"`
	Event ports.ClassifiedEvent `json:"event"`
}

func encodeEvent(runID string, ev ports.ClassifiedEvent) ([]byte, error) {
	return json.Marshal(storedEvent{RunID: runID, Event: ev})
}

func decodeEvent(k, v []byte) (ports.JournalRecord, error) {
	seq, err := parseSeqKey(k)
	if err != nil {
		return ports.JournalRecord{}, err
	}
	var se storedEvent
	if err := json.Unmarshal(v, &se); err != nil {
		return ports.JournalRecord{}, fmt.Errorf("unmarshal event %d: %w", seq, err)
	}
	return ports.JournalRecord{Seq: seq, RunID: se.RunID, Event: se.Event}, nil
}

func encodeRun(run ports.RunRecord) ([]byte, error) {
	return json.Marshal(run)
}

func decodeRun(v []byte) (ports.RunRecord, error) {
	var run ports.RunRecord
	if err := json.Unmarshal(v, &run); err != nil {
		return ports.RunRecord{}, fmt.Errorf("unmarshal run: %w", err)
	}
	return run, nil
}
