package domain

import (
	"math"
	"time"
)

// DeriveForecastTime populates rec.ForecastTime from its base time and step
// index, or from its absolute time, depending on rec.TimeKind.
func DeriveForecastTime(rec ForecastRecord, stepDuration time.Duration) (ForecastRecord, error) {
	switch rec.TimeKind {
	case TimeKindStep:
		if rec.BaseTime.IsZero() {
			return rec, invalidRecord("step-based record has no base time")
		}
		if rec.StepIndex == nil {
			return rec, invalidRecord("step-based record has no step index")
		}
		if stepDuration <= 0 {
			return rec, invalidRecord("non-positive step duration %s", stepDuration)
		}
		step := int64(*rec.StepIndex)
		if limit := int64(math.MaxInt64 / stepDuration); step > limit || step < -limit {
			return rec, invalidRecord("step index %d out of range for %s steps", step, stepDuration)
		}
		rec.ForecastTime = rec.BaseTime.Add(time.Duration(step) * stepDuration)
	case TimeKindAbsolute:
		if rec.AbsoluteTime == nil || rec.AbsoluteTime.IsZero() {
			return rec, invalidRecord("absolute-time record has no absolute time")
		}
		rec.ForecastTime = *rec.AbsoluteTime
	default:
		return rec, invalidRecord("unknown time kind %q", rec.TimeKind)
	}
	return rec, nil
}
