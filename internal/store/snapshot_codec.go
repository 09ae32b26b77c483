package store

import (
	"encoding/json"
	"fmt"
	"sort"
)

func encodeSnapshot(s Snapshot) []byte {
	b, _ := json.Marshal(s)
	return b
}

func decodeSnapshot(v []byte) (Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(v, &s); err != nil {
		return Snapshot{}, fmt.Errorf("%w: snapshot: %v", ErrCorruptLog, err)
	}
	return s, nil
}

func sortSnapshots(snaps []Snapshot) {
	sort.Slice(snaps, func(i, j int) bool {
		if !snaps[i].CreatedAt.Equal(snaps[j].CreatedAt) {
			return snaps[i].CreatedAt.Before(snaps[j].CreatedAt)
		}
		return snaps[i].ID < snaps[j].ID
	})
}
