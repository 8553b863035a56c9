package speedtest

import (
	"testing"
	"time"
)

func TestAverageTransfers(t *testing.T) {
	got := averageTransfers([]transferResult{
		{download: 100, upload: 20, ping: 10 * time.Millisecond},
		{download: 50, upload: 10, ping: 30 * time.Millisecond},
	})
	if got.download != 75 || got.upload != 15 {
		t.Fatalf("average = %v/%v, want 75/15", got.download, got.upload)
	}
	if got.ping != 20*time.Millisecond {
		t.Fatalf("ping = %v, want 20ms", got.ping)
	}

	if zero := averageTransfers(nil); zero.download != 0 || zero.ping != 0 {
		t.Fatalf("empty average = %+v, want zero", zero)
	}
}

func TestBestTransferPrefersPingThenDownload(t *testing.T) {
	results := []transferResult{
		{download: 200, ping: 30 * time.Millisecond},
		{download: 100, ping: 10 * time.Millisecond},
		{download: 150, ping: 10 * time.Millisecond},
	}
	best := bestTransfer(results)
	if best == nil || best.download != 150 {
		t.Fatalf("best = %+v, want the 150 Mbps server at 10ms", best)
	}
	if bestTransfer(nil) != nil {
		t.Fatal("best of empty should be nil")
	}
}

func TestRunConfigDefaults(t *testing.T) {
	cfg := RunConfig{ServerCount: 3, FullTestServers: 9}
	cfg.applyDefaults()
	if cfg.FullTestServers != 3 {
		t.Fatalf("full tests = %d, want clamped to candidate count", cfg.FullTestServers)
	}
	if cfg.MaxConnections != 4 || cfg.PingConcurrency != 4 {
		t.Fatalf("connection defaults = %d/%d, want 4/4", cfg.MaxConnections, cfg.PingConcurrency)
	}
	if cfg.PacketLossTimeout != 3*time.Second {
		t.Fatalf("packet loss timeout = %v, want 3s", cfg.PacketLossTimeout)
	}
}

func TestNewHTTPClientHTTP1Only(t *testing.T) {
	_, tr := newHTTPClient(RunConfig{DisableHTTP2: true, DisableKeepAlives: true})
	if tr.ForceAttemptHTTP2 {
		t.Fatal("HTTP2 should be off")
	}
	if tr.TLSNextProto == nil {
		t.Fatal("TLSNextProto must be non-nil to pin HTTP/1.1")
	}
	if !tr.DisableKeepAlives {
		t.Fatal("keep-alives should be disabled")
	}
}
