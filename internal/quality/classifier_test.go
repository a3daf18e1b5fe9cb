package quality

import (
	"math"
	"testing"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func f(v float64) *float64 { return &v }

func TestClassify(t *testing.T) {
	tests := []struct {
		name    string
		latency float64
		loss    float64
		want    Tier
	}{
		{"excellent", 50, 0.001, TierExcellent},
		{"latency boundary drops to good", 100, 0.001, TierGood},
		{"loss boundary drops to good", 50, 0.01, TierGood},
		{"good", 150, 0.04, TierGood},
		{"fair", 450, 0.09, TierFair},
		{"high latency is poor", 500, 0, TierPoor},
		{"high loss is poor", 10, 0.10, TierPoor},
		{"both bad", 600, 0.2, TierPoor},
		{"low latency high loss", 20, 0.07, TierFair},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.latency, tt.loss))
		})
	}
}

func TestClassify_Monotonic(t *testing.T) {
	latencies := []float64{0, 50, 99, 100, 150, 199, 200, 300, 499, 500, 1000}
	losses := []float64{0, 0.005, 0.0099, 0.01, 0.03, 0.049, 0.05, 0.08, 0.0999, 0.1, 0.5, 1}

	for i, l := range latencies {
		for j, p := range losses {
			tier := Classify(l, p)
			assert.Equal(t, tier, Classify(l, p), "classification must be deterministic")
			if i > 0 {
				better := Classify(latencies[i-1], p)
				assert.GreaterOrEqual(t, better.Rank(), tier.Rank(), "lower latency downgraded tier at (%v,%v)", l, p)
			}
			if j > 0 {
				better := Classify(l, losses[j-1])
				assert.GreaterOrEqual(t, better.Rank(), tier.Rank(), "lower loss downgraded tier at (%v,%v)", l, p)
			}
		}
	}
}

func TestTierRank(t *testing.T) {
	assert.Greater(t, TierExcellent.Rank(), TierGood.Rank())
	assert.Greater(t, TierGood.Rank(), TierFair.Rank())
	assert.Greater(t, TierFair.Rank(), TierPoor.Rank())
	assert.Equal(t, -1, Tier("").Rank())
}

func TestMerge_LatestSampleWins(t *testing.T) {
	h := Merge(Health{}, Sample{Latency: f(50), PacketLoss: f(0.001), Bandwidth: f(2e6)})
	assert.Equal(t, TierExcellent, h.Quality)

	h = Merge(h, Sample{Latency: f(600), PacketLoss: f(0.2)})
	assert.Equal(t, TierPoor, h.Quality)
	assert.Equal(t, 600.0, h.Latency)
	assert.Equal(t, 0.2, h.PacketLoss)
	assert.Equal(t, 2e6, h.Bandwidth, "bandwidth omitted from the sample keeps the prior value")
}

func TestMerge_PartialSample(t *testing.T) {
	h := Merge(Health{Latency: 50, PacketLoss: 0.001, Quality: TierExcellent}, Sample{PacketLoss: f(0.07)})
	assert.Equal(t, 50.0, h.Latency)
	assert.Equal(t, TierFair, h.Quality)
}

func TestSampleValidate(t *testing.T) {
	tests := []struct {
		name    string
		sample  Sample
		wantErr bool
	}{
		{"valid", Sample{Latency: f(10), PacketLoss: f(0.5), Bandwidth: f(1000)}, false},
		{"latency only", Sample{Latency: f(0)}, false},
		{"empty", Sample{}, true},
		{"negative latency", Sample{Latency: f(-1)}, true},
		{"loss above one", Sample{PacketLoss: f(1.5)}, true},
		{"NaN loss", Sample{PacketLoss: f(math.NaN())}, true},
		{"infinite bandwidth", Sample{Bandwidth: f(math.Inf(1))}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.sample.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidSample)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSampleFromStats(t *testing.T) {
	report := webrtc.StatsReport{
		"pair-unused": webrtc.ICECandidatePairStats{ID: "pair-unused", CurrentRoundTripTime: 2},
		"pair": webrtc.ICECandidatePairStats{
			ID:                       "pair",
			Nominated:                true,
			CurrentRoundTripTime:     0.08,
			AvailableOutgoingBitrate: 1.5e6,
		},
		"ri-audio": webrtc.RemoteInboundRTPStreamStats{ID: "ri-audio", FractionLost: 0.02, RoundTripTime: 0.3},
		"ri-video": webrtc.RemoteInboundRTPStreamStats{ID: "ri-video", FractionLost: 0.04, RoundTripTime: 0.1},
	}

	s := SampleFromStats(report)
	require.NotNil(t, s.Latency)
	require.NotNil(t, s.PacketLoss)
	require.NotNil(t, s.Bandwidth)
	assert.InDelta(t, 80.0, *s.Latency, 1e-9)
	assert.InDelta(t, 0.04, *s.PacketLoss, 1e-9)
	assert.Equal(t, 1.5e6, *s.Bandwidth)
	assert.Equal(t, TierGood, Merge(Health{}, s).Quality)
}

func TestSampleFromStats_FallsBackToRTPRoundTrip(t *testing.T) {
	payload := StatsPayload{
		RemoteInbound: []webrtc.RemoteInboundRTPStreamStats{{ID: "ri", RoundTripTime: 0.25}},
	}
	s := SampleFromStats(payload.Report())
	require.NotNil(t, s.Latency)
	assert.InDelta(t, 250.0, *s.Latency, 1e-9)
	require.NotNil(t, s.PacketLoss)
	assert.Equal(t, 0.0, *s.PacketLoss)
	assert.Nil(t, s.Bandwidth)
}

func TestSampleFromStats_Empty(t *testing.T) {
	assert.True(t, SampleFromStats(webrtc.StatsReport{}).Empty())
}
