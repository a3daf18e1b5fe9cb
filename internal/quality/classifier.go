// Package quality maps raw connection samples to a discrete quality tier.
// Everything here is pure; no I/O happens in this package.
package quality

import (
	"errors"
	"fmt"
	"math"
)

// Tier is the derived connection quality of a participant.
type Tier string

const (
	// TierUnknown is the tier of a participant that has not reported yet.
	TierUnknown   Tier = ""
	TierExcellent Tier = "excellent"
	TierGood      Tier = "good"
	TierFair      Tier = "fair"
	TierPoor      Tier = "poor"
)

// Thresholds, evaluated best tier first. Latency in milliseconds, loss as a fraction.
var thresholds = []struct {
	tier       Tier
	maxLatency float64
	maxLoss    float64
}{
	{TierExcellent, 100, 0.01},
	{TierGood, 200, 0.05},
	{TierFair, 500, 0.10},
}

// ErrInvalidSample is returned for samples outside their physical range.
var ErrInvalidSample = errors.New("invalid health sample")

// Rank orders tiers: excellent=3 ... poor=0. Unknown tiers rank below poor.
func (t Tier) Rank() int {
	switch t {
	case TierExcellent:
		return 3
	case TierGood:
		return 2
	case TierFair:
		return 1
	case TierPoor:
		return 0
	default:
		return -1
	}
}

// Classify returns the tier for a latency (ms) and packet loss (0..1) pair.
func Classify(latencyMs, packetLoss float64) Tier {
	for _, th := range thresholds {
		if latencyMs < th.maxLatency && packetLoss < th.maxLoss {
			return th.tier
		}
	}
	return TierPoor
}

// Health is the stored connection health of a participant. Quality is always
// derived; before the first report it is TierUnknown and every metric is zero.
type Health struct {
	Latency    float64 `json:"latency"`     // ms
	PacketLoss float64 `json:"packet_loss"` // fraction 0..1
	Bandwidth  float64 `json:"bandwidth"`   // bits/sec
	Quality    Tier    `json:"quality"`
}

// Sample is a partial health report; nil fields keep the previous value.
type Sample struct {
	Latency    *float64 `json:"latency,omitempty"`
	PacketLoss *float64 `json:"packet_loss,omitempty"`
	Bandwidth  *float64 `json:"bandwidth,omitempty"`
}

// Empty reports whether the sample carries no values.
func (s Sample) Empty() bool {
	return s.Latency == nil && s.PacketLoss == nil && s.Bandwidth == nil
}

// Validate rejects negative, NaN or out-of-range values.
func (s Sample) Validate() error {
	if s.Empty() {
		return fmt.Errorf("%w: no values", ErrInvalidSample)
	}
	if s.Latency != nil && !validNonNegative(*s.Latency) {
		return fmt.Errorf("%w: latency %v", ErrInvalidSample, *s.Latency)
	}
	if s.PacketLoss != nil && (!validNonNegative(*s.PacketLoss) || *s.PacketLoss > 1) {
		return fmt.Errorf("%w: packet_loss %v outside 0..1", ErrInvalidSample, *s.PacketLoss)
	}
	if s.Bandwidth != nil && !validNonNegative(*s.Bandwidth) {
		return fmt.Errorf("%w: bandwidth %v", ErrInvalidSample, *s.Bandwidth)
	}
	return nil
}

func validNonNegative(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v >= 0
}

// Merge overlays a sample on the previous health and re-derives the tier.
// The latest value of each field wins; nothing is averaged.
func Merge(prev Health, s Sample) Health {
	next := prev
	if s.Latency != nil {
		next.Latency = *s.Latency
	}
	if s.PacketLoss != nil {
		next.PacketLoss = *s.PacketLoss
	}
	if s.Bandwidth != nil {
		next.Bandwidth = *s.Bandwidth
	}
	next.Quality = Classify(next.Latency, next.PacketLoss)
	return next
}
