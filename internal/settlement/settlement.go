// Package settlement derives the hourly pool price from the minute-level SMP
// observations recorded within that hour.
//
// Each observed SMP prevails from its minute until the next observation in
// the same hour, or until the end of the hour. The pool price is the
// time-weighted average over the 60 minutes, floored to a whole minor unit.
// The weighted sum uses shopspring/decimal — never float64 for money.
package settlement

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/gridpool/clearing-engine/internal/model"
)

const minutesPerHour = 60

// PoolPrice computes the settled price for one hour from its SMP records.
//
// With a single sample at minute-offset m this reduces to
// floor(smp * (60 - m) / 60). An hour with no samples settles at 0.
func PoolPrice(samples []model.SMPRecord) uint64 {
	if len(samples) == 0 {
		return 0
	}

	ordered := make([]model.SMPRecord, len(samples))
	copy(ordered, samples)
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].Minute < ordered[j].Minute
	})

	weighted := decimal.Zero
	for i, s := range ordered {
		from := model.MinuteOffset(s.Minute)
		until := int64(minutesPerHour)
		if i+1 < len(ordered) {
			until = model.MinuteOffset(ordered[i+1].Minute)
		}
		if until <= from {
			continue // duplicate minute, superseded immediately
		}

		w := decimal.NewFromInt(until - from)
		weighted = weighted.Add(decimal.NewFromUint64(s.Price).Mul(w))
	}

	avg := weighted.Div(decimal.NewFromInt(minutesPerHour)).Floor()
	return uint64(avg.IntPart())
}
