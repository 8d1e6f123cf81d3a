package network

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/aditya-sadavare/boltshare/models"
)

// LocalRTTThreshold separates LAN paths from wide-area ones.
const LocalRTTThreshold = 15 * time.Millisecond

// ModeDetector classifies an established link by its selected pair RTT.
type ModeDetector struct {
	Threshold time.Duration
}

// Detect reads the transport stats once. No measurement means WIDE_AREA.
func (d ModeDetector) Detect(transport PeerTransport) models.ConnectivityMode {
	rtt, ok := SelectRTT(transport.CandidatePairs())
	mode := d.Classify(rtt, ok)

	logrus.WithFields(logrus.Fields{
		"function": "Detect",
		"rtt_ms":   float64(rtt) / float64(time.Millisecond),
		"measured": ok,
		"mode":     mode,
	}).Info("Connectivity mode detected")
	return mode
}

// Classify maps an RTT reading to a connectivity mode.
func (d ModeDetector) Classify(rtt time.Duration, measured bool) models.ConnectivityMode {
	threshold := d.Threshold
	if threshold <= 0 {
		threshold = LocalRTTThreshold
	}
	if !measured || rtt <= 0 {
		return models.ModeWideArea
	}
	if rtt < threshold {
		return models.ModeLocal
	}
	return models.ModeWideArea
}

// SelectRTT prefers the nominated succeeded pair, otherwise any succeeded
// pair with a measured RTT.
func SelectRTT(pairs []CandidatePair) (time.Duration, bool) {
	for _, pair := range pairs {
		if pair.Succeeded && pair.Nominated && pair.RTT > 0 {
			return pair.RTT, true
		}
	}
	for _, pair := range pairs {
		if pair.Succeeded && pair.RTT > 0 {
			return pair.RTT, true
		}
	}
	return 0, false
}
