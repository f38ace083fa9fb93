package trace

import "time"

// ParallelHistory is the four-array wire encoding of a batch log. Index i
// of every array describes the same movement. Timestamps are Unix seconds.
type ParallelHistory struct {
	Actions    []string `json:"actions"`
	Actors     []string `json:"actors"`
	Locations  []string `json:"locations"`
	Timestamps []int64  `json:"timestamps"`
}

// Len is the number of encoded movements, or -1 if the arrays disagree.
func (h ParallelHistory) Len() int {
	n := len(h.Actions)
	if len(h.Actors) != n || len(h.Locations) != n || len(h.Timestamps) != n {
		return -1
	}
	return n
}

// EncodeHistory flattens a log into parallel arrays. Outcome, child batch
// and seller do not survive the encoding.
func EncodeHistory(log []Movement) ParallelHistory {
	h := ParallelHistory{
		Actions:    make([]string, 0, len(log)),
		Actors:     make([]string, 0, len(log)),
		Locations:  make([]string, 0, len(log)),
		Timestamps: make([]int64, 0, len(log)),
	}
	for _, m := range log {
		h.Actions = append(h.Actions, string(m.Action))
		h.Actors = append(h.Actors, m.Actor)
		h.Locations = append(h.Locations, m.Location)
		h.Timestamps = append(h.Timestamps, m.Timestamp.Unix())
	}
	return h
}

// DecodeHistory zips parallel arrays into movements. Arrays of unequal
// length, unknown actions and decreasing timestamps are PROTOCOL_ERRORs;
// nothing is truncated.
func DecodeHistory(batchNumber string, h ParallelHistory) ([]Movement, error) {
	n := h.Len()
	if n < 0 {
		return nil, protocolError("history of %s has mismatched array lengths: actions=%d actors=%d locations=%d timestamps=%d",
			batchNumber, len(h.Actions), len(h.Actors), len(h.Locations), len(h.Timestamps))
	}
	out := make([]Movement, n)
	for i := 0; i < n; i++ {
		action := Action(h.Actions[i])
		if !action.valid() {
			return nil, protocolError("history of %s has unknown action %q at index %d", batchNumber, h.Actions[i], i)
		}
		if i > 0 && h.Timestamps[i] < h.Timestamps[i-1] {
			return nil, protocolError("history of %s goes back in time at index %d", batchNumber, i)
		}
		out[i] = Movement{
			BatchNumber: batchNumber,
			Seq:         int64(i),
			Action:      action,
			Actor:       h.Actors[i],
			Location:    h.Locations[i],
			Timestamp:   time.Unix(h.Timestamps[i], 0).UTC(),
		}
	}
	return out, nil
}

// TimestampsMillis converts the encoded timestamps to milliseconds for
// consumers that expect them.
func (h ParallelHistory) TimestampsMillis() []int64 {
	out := make([]int64, len(h.Timestamps))
	for i, ts := range h.Timestamps {
		out[i] = ts * 1000
	}
	return out
}

// LegacyHistory is the older three-array shape that omitted the actor.
type LegacyHistory struct {
	Actions    []string `json:"actions"`
	Locations  []string `json:"locations"`
	Timestamps []int64  `json:"timestamps"`
}

// MigrateLegacyHistory lifts a legacy encoding into the canonical one,
// attributing every movement to the given actor. The actor is required;
// it is never guessed.
func MigrateLegacyHistory(batchNumber string, legacy LegacyHistory, actor string) ([]Movement, error) {
	if actor == "" {
		return nil, validationError("migrating legacy history of %s needs an explicit actor", batchNumber)
	}
	n := len(legacy.Actions)
	if len(legacy.Locations) != n || len(legacy.Timestamps) != n {
		return nil, protocolError("legacy history of %s has mismatched array lengths: actions=%d locations=%d timestamps=%d",
			batchNumber, len(legacy.Actions), len(legacy.Locations), len(legacy.Timestamps))
	}
	actors := make([]string, n)
	for i := range actors {
		actors[i] = actor
	}
	return DecodeHistory(batchNumber, ParallelHistory{
		Actions:    legacy.Actions,
		Actors:     actors,
		Locations:  legacy.Locations,
		Timestamps: legacy.Timestamps,
	})
}
