// Package speedtest measures internet bandwidth and latency against
// speedtest.net servers. A Runner picks nearby candidate servers, pings
// them concurrently, runs full transfer tests against the lowest-latency
// few and reports the averaged measurement.
package speedtest

import "time"

// Result is a single speedtest measurement. JSON tags are stable because
// results are delivered as task output and land in report files.
type Result struct {
	Timestamp     time.Time `json:"timestamp"`
	DownloadMbps  float64   `json:"download_mbps"`
	UploadMbps    float64   `json:"upload_mbps"`
	PingMs        float64   `json:"ping_ms"`
	Jitter        float64   `json:"jitter"`
	PacketLoss    float64   `json:"packet_loss"`
	ISP           string    `json:"isp"`
	ServerName    string    `json:"server_name"`
	ServerCountry string    `json:"server_country"`

	// Run metadata, useful in logs but not part of the measurement.
	Duration       time.Duration `json:"-"`
	CandidateCount int           `json:"-"`
	FullTestCount  int           `json:"-"`
}
