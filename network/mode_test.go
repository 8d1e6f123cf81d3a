package network

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/aditya-sadavare/boltshare/models"
)

func TestSelectRTT(t *testing.T) {
	cases := []struct {
		name     string
		pairs    []CandidatePair
		rtt      time.Duration
		measured bool
	}{
		{name: "no pairs"},
		{
			name:  "only failed pairs",
			pairs: []CandidatePair{{Nominated: true, RTT: time.Millisecond}},
		},
		{
			name: "nominated wins",
			pairs: []CandidatePair{
				{Succeeded: true, RTT: 40 * time.Millisecond},
				{Succeeded: true, Nominated: true, RTT: 4 * time.Millisecond},
			},
			rtt:      4 * time.Millisecond,
			measured: true,
		},
		{
			name: "nominated without rtt falls back to any succeeded",
			pairs: []CandidatePair{
				{Succeeded: true, Nominated: true},
				{Succeeded: true, RTT: 22 * time.Millisecond},
			},
			rtt:      22 * time.Millisecond,
			measured: true,
		},
		{
			name:  "succeeded but unmeasured",
			pairs: []CandidatePair{{Succeeded: true, Nominated: true}},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rtt, measured := SelectRTT(tc.pairs)
			assert.Equal(t, tc.rtt, rtt)
			assert.Equal(t, tc.measured, measured)
		})
	}
}

func TestClassify(t *testing.T) {
	detector := ModeDetector{}
	assert.Equal(t, models.ModeLocal, detector.Classify(2*time.Millisecond, true))
	assert.Equal(t, models.ModeLocal, detector.Classify(14*time.Millisecond, true))
	assert.Equal(t, models.ModeWideArea, detector.Classify(15*time.Millisecond, true))
	assert.Equal(t, models.ModeWideArea, detector.Classify(80*time.Millisecond, true))
	assert.Equal(t, models.ModeWideArea, detector.Classify(0, false))

	strict := ModeDetector{Threshold: time.Millisecond}
	assert.Equal(t, models.ModeWideArea, strict.Classify(2*time.Millisecond, true))
}

func TestDetectReadsTransportStats(t *testing.T) {
	transport := newFakeTransport()
	transport.pairs = []CandidatePair{{Succeeded: true, Nominated: true, RTT: 60 * time.Millisecond}}
	assert.Equal(t, models.ModeWideArea, ModeDetector{}.Detect(transport))

	transport.pairs = []CandidatePair{{Succeeded: true, Nominated: true, RTT: time.Millisecond}}
	assert.Equal(t, models.ModeLocal, ModeDetector{}.Detect(transport))

	transport.pairs = nil
	assert.Equal(t, models.ModeWideArea, ModeDetector{}.Detect(transport))
}
