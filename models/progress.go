package models

// ConnectivityMode classifies the network path of an established link.
type ConnectivityMode string

const (
	ModeDetecting ConnectivityMode = "DETECTING"
	ModeLocal     ConnectivityMode = "LOCAL"
	ModeWideArea  ConnectivityMode = "WIDE_AREA"
)

// ProgressSample is one derived progress reading for an active transfer.
type ProgressSample struct {
	BytesMoved       int64            `json:"bytes_moved"`
	TotalBytes       int64            `json:"total_bytes"`
	SpeedBytesPerSec float64          `json:"speed_bytes_per_sec"`
	ETASeconds       float64          `json:"eta_seconds"`
	ETAUnknown       bool             `json:"eta_unknown"`
	Mode             ConnectivityMode `json:"connectivity_mode"`
}

// Percent returns completion in the range [0, 100].
func (p ProgressSample) Percent() float64 {
	if p.TotalBytes <= 0 {
		return 0
	}
	pct := float64(p.BytesMoved) / float64(p.TotalBytes) * 100
	if pct > 100 {
		return 100
	}
	return pct
}
