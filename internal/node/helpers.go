package node

import (
	"encoding/json"

	"meshkv/internal/clock"
)

func decodeJSON(payload []byte, out any) error {
	return json.Unmarshal(payload, out)
}

func toClock(m map[string]uint64) clock.Clock { return clock.Clock(m) }
