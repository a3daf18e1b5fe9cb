package quality

import (
	"github.com/pion/webrtc/v3"
)

// SampleFromStats extracts a health sample from a pion StatsReport.
//
// Latency comes from the nominated candidate pair's current RTT, falling back to
// the worst remote-inbound RTP round trip. Packet loss is the worst remote-inbound
// fraction lost. Bandwidth is the pair's available outgoing bitrate. Fields the
// report does not carry stay nil so Merge keeps the previous value.
func SampleFromStats(report webrtc.StatsReport) Sample {
	var (
		s          Sample
		pairRTT    float64
		hasPairRTT bool
		rtpRTT     float64
		hasRTPRTT  bool
		loss       float64
		hasLoss    bool
	)
	for _, stat := range report {
		switch st := stat.(type) {
		case webrtc.ICECandidatePairStats:
			if !st.Nominated {
				continue
			}
			if st.CurrentRoundTripTime > 0 {
				pairRTT, hasPairRTT = st.CurrentRoundTripTime, true
			}
			if st.AvailableOutgoingBitrate > 0 {
				bw := st.AvailableOutgoingBitrate
				s.Bandwidth = &bw
			}
		case webrtc.RemoteInboundRTPStreamStats:
			if st.RoundTripTime > rtpRTT {
				rtpRTT, hasRTPRTT = st.RoundTripTime, true
			}
			if st.FractionLost >= loss {
				loss, hasLoss = st.FractionLost, true
			}
		}
	}

	// pion reports round trips in seconds
	switch {
	case hasPairRTT:
		ms := pairRTT * 1000
		s.Latency = &ms
	case hasRTPRTT:
		ms := rtpRTT * 1000
		s.Latency = &ms
	}
	if hasLoss {
		if loss > 1 {
			loss = 1
		}
		s.PacketLoss = &loss
	}
	return s
}

// StatsPayload is the subset of a browser/pion stats report the transport
// forwards over the wire, using the W3C field names.
type StatsPayload struct {
	CandidatePairs []webrtc.ICECandidatePairStats       `json:"candidate_pairs"`
	RemoteInbound  []webrtc.RemoteInboundRTPStreamStats `json:"remote_inbound"`
}

// Report rebuilds a StatsReport keyed by stat ID.
func (p StatsPayload) Report() webrtc.StatsReport {
	report := make(webrtc.StatsReport, len(p.CandidatePairs)+len(p.RemoteInbound))
	for _, cp := range p.CandidatePairs {
		report[cp.ID] = cp
	}
	for _, ri := range p.RemoteInbound {
		report[ri.ID] = ri
	}
	return report
}
