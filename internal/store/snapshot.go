package store

import (
	"encoding/json"
	"os"
)

// writeJSONFile marshals v and writes it to path. Store.Snapshot calls
// this against a .tmp path and then renames atomically over the real
// snapshot path, so a crash mid-write never corrupts the last good
// snapshot.
func writeJSONFile(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// readSnapshotFile loads a persisted map[string]Record snapshot. A
// missing file is reported via the returned error (os.IsNotExist), which
// Store.loadSnapshot treats as "no snapshot yet" rather than a failure.
func readSnapshotFile(path string) (map[string]Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var snap map[string]Record
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, err
	}
	return snap, nil
}
