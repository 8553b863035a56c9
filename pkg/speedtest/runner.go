package speedtest

import (
	"context"
	"crypto/tls"
	"fmt"
	"math"
	"net"
	"net/http"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	st "github.com/showwin/speedtest-go/speedtest"
)

// RunConfig controls how a speedtest run is executed.
type RunConfig struct {
	// Candidate servers to consider (sorted by distance, then pinged).
	ServerCount int
	// Number of lowest-latency servers to run a full download/upload test on.
	// Full tests are executed sequentially to reduce peak memory usage.
	FullTestServers int

	// UserConfig passed to speedtest-go.
	SavingMode     bool
	MaxConnections int

	// PostRunFreeOSMemory calls debug.FreeOSMemory after the run. A run
	// allocates large transfer buffers, and returning them to the OS keeps
	// the long-running process's RSS flat between runs.
	PostRunFreeOSMemory bool

	// OperationTimeout is used for internal HTTP dial timeout heuristics.
	// It does NOT automatically wrap the provided context.
	OperationTimeout time.Duration

	// PingConcurrency caps how many ping tests run concurrently.
	PingConcurrency int

	// DisableHTTP2 prevents HTTP/2 for speedtest traffic (reduces persistent allocations and goroutines).
	DisableHTTP2 bool
	// DisableKeepAlives disables HTTP keep-alives for speedtest traffic (encourages connections to close promptly).
	DisableKeepAlives bool

	// PacketLossEnabled toggles packet loss probing (extra network work).
	PacketLossEnabled bool
	// PacketLossTimeout bounds packet loss probing.
	PacketLossTimeout time.Duration
}

func (cfg *RunConfig) applyDefaults() {
	if cfg.ServerCount <= 0 {
		cfg.ServerCount = 5
	}
	if cfg.FullTestServers <= 0 {
		cfg.FullTestServers = 1
	}
	if cfg.FullTestServers > cfg.ServerCount {
		cfg.FullTestServers = cfg.ServerCount
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 4
	}
	if cfg.PingConcurrency <= 0 {
		cfg.PingConcurrency = 4
	}
	if cfg.PacketLossTimeout <= 0 {
		cfg.PacketLossTimeout = 3 * time.Second
	}
}

// Runner executes speedtests. The zero value is not usable; construct
// with NewRunner.
type Runner struct {
	cfg RunConfig
}

// NewRunner constructs a Runner.
func NewRunner(cfg RunConfig) *Runner {
	return &Runner{cfg: cfg}
}

// Run executes a single speedtest run.
func (r *Runner) Run(ctx context.Context) (*Result, error) {
	if ctx == nil {
		return nil, fmt.Errorf("nil context")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cfg := r.cfg
	cfg.applyDefaults()

	// Always cancel a derived context when we leave this function so any
	// library goroutines that honor context exit promptly.
	runCtx, cancelRun := context.WithCancel(ctx)
	ctx = runCtx

	start := time.Now()

	// Dedicated HTTP transport so connections can be isolated and cleaned
	// up aggressively after a run.
	hc, tr := newHTTPClient(cfg)

	// Avoid package-level speedtest helpers; speedtest-go can keep
	// package-level state alive across runs.
	stc := st.New(st.WithUserConfig(&st.UserConfig{
		SavingMode:     cfg.SavingMode,
		MaxConnections: cfg.MaxConnections,
	}))
	applyHTTPClient(stc, hc)
	stc.SetNThread(cfg.MaxConnections)

	defer func() {
		cancelRun()

		stc.Snapshots().Clean()
		stc.Reset()

		if tr != nil {
			tr.CloseIdleConnections()
		}

		if cfg.PostRunFreeOSMemory {
			debug.FreeOSMemory()
		}
	}()

	user, err := stc.FetchUserInfoContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch user info: %w", err)
	}

	candidates, err := r.selectCandidates(ctx, stc, cfg.ServerCount)
	if err != nil {
		return nil, err
	}

	pinged := pingCandidates(ctx, candidates, cfg.PingConcurrency)
	if len(pinged) == 0 {
		return nil, fmt.Errorf("all latency tests failed")
	}

	// Best first.
	sort.Slice(pinged, func(i, j int) bool { return pinged[i].Latency < pinged[j].Latency })
	fullN := cfg.FullTestServers
	if fullN > len(pinged) {
		fullN = len(pinged)
	}

	transfers, err := runFullTests(ctx, stc, pinged[:fullN])
	if err != nil {
		return nil, err
	}

	avg := averageTransfers(transfers)
	chosen := bestTransfer(transfers)
	if chosen == nil {
		chosen = &transfers[0]
	}

	pl := 0.0
	if cfg.PacketLossEnabled {
		host := chosen.server.Host
		if h, _, err := net.SplitHostPort(host); err == nil {
			host = h
		}
		plCtx, cancel := context.WithTimeout(ctx, cfg.PacketLossTimeout)
		pl = packetLoss(plCtx, host)
		cancel()
	}

	// Prefer jitter from the chosen server; fall back to a rough estimate.
	jitterMs := float64(chosen.server.Jitter.Milliseconds())
	if jitterMs <= 0 {
		jitterMs = math.Max(0.1, float64(avg.ping.Milliseconds())*0.1)
	}

	return &Result{
		Timestamp:      time.Now(),
		DownloadMbps:   avg.download,
		UploadMbps:     avg.upload,
		PingMs:         float64(avg.ping.Milliseconds()),
		Jitter:         jitterMs,
		PacketLoss:     pl,
		ISP:            user.Isp,
		ServerName:     chosen.server.Sponsor,
		ServerCountry:  chosen.server.Country,
		Duration:       time.Since(start),
		CandidateCount: len(candidates),
		FullTestCount:  len(transfers),
	}, nil
}

// selectCandidates fetches the server list and keeps the n nearest.
func (r *Runner) selectCandidates(ctx context.Context, stc *st.Speedtest, n int) ([]*st.Server, error) {
	servers, err := stc.FetchServerListContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch server list: %w", err)
	}
	if a := servers.Available(); a != nil {
		servers = *a
	}
	if len(servers) == 0 {
		return nil, fmt.Errorf("no servers available")
	}

	sort.Slice(servers, func(i, j int) bool { return servers[i].Distance < servers[j].Distance })
	if n > len(servers) {
		n = len(servers)
	}
	return servers[:n], nil
}

// pingCandidates latency-tests candidates with bounded concurrency and
// returns those that answered.
func pingCandidates(ctx context.Context, servers []*st.Server, maxConcurrent int) []*st.Server {
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}

	sem := make(chan struct{}, maxConcurrent)
	out := make(chan *st.Server, len(servers))
	var wg sync.WaitGroup

	for _, s := range servers {
		s := s
		wg.Add(1)
		go func() {
			defer wg.Done()

			select {
			case <-ctx.Done():
				return
			case sem <- struct{}{}:
			}
			defer func() { <-sem }()

			if err := s.PingTestContext(ctx, nil); err != nil {
				return
			}
			out <- s
		}()
	}

	wg.Wait()
	close(out)

	pinged := make([]*st.Server, 0, len(servers))
	for s := range out {
		if s.Latency <= 0 {
			continue
		}
		pinged = append(pinged, s)
	}
	return pinged
}

type transferResult struct {
	server   *st.Server
	download float64
	upload   float64
	ping     time.Duration
}

// runFullTests runs download and upload tests sequentially against each
// server. Servers that fail either direction are skipped.
func runFullTests(ctx context.Context, stc *st.Speedtest, servers []*st.Server) ([]transferResult, error) {
	transfers := make([]transferResult, 0, len(servers))
	for _, s := range servers {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		if err := s.DownloadTestContext(ctx); err != nil {
			continue
		}
		dl := s.DLSpeed.Mbps()

		if err := s.UploadTestContext(ctx); err != nil {
			continue
		}
		ul := s.ULSpeed.Mbps()

		transfers = append(transfers, transferResult{
			server:   s,
			download: dl,
			upload:   ul,
			ping:     s.Latency,
		})

		// Drop per-test snapshots and chunks early.
		stc.Snapshots().Clean()
		stc.Reset()
	}
	if len(transfers) == 0 {
		return nil, fmt.Errorf("full test failed for all servers")
	}
	return transfers, nil
}

func averageTransfers(results []transferResult) transferResult {
	if len(results) == 0 {
		return transferResult{}
	}
	var totalDL, totalUL float64
	var totalPing time.Duration
	for _, r := range results {
		totalDL += r.download
		totalUL += r.upload
		totalPing += r.ping
	}
	count := len(results)
	return transferResult{
		download: totalDL / float64(count),
		upload:   totalUL / float64(count),
		ping:     totalPing / time.Duration(count),
	}
}

// bestTransfer prioritizes lower ping, then higher download speed.
func bestTransfer(results []transferResult) *transferResult {
	if len(results) == 0 {
		return nil
	}
	best := &results[0]
	for i := 1; i < len(results); i++ {
		if results[i].ping < best.ping || (results[i].ping == best.ping && results[i].download > best.download) {
			best = &results[i]
		}
	}
	return best
}

func packetLoss(ctx context.Context, host string) float64 {
	if host == "" {
		return 0
	}
	pla := st.NewPacketLossAnalyzer(nil)
	pl, err := pla.RunMultiWithContext(ctx, []string{host})
	if err != nil || pl == nil {
		return 0
	}
	return pl.LossPercent()
}

func newHTTPClient(cfg RunConfig) (*http.Client, *http.Transport) {
	dialTimeout := 10 * time.Second
	if cfg.OperationTimeout > 0 {
		capTo := cfg.OperationTimeout / 2
		if capTo < dialTimeout {
			dialTimeout = capTo
		}
		if dialTimeout < 2*time.Second {
			dialTimeout = 2 * time.Second
		}
	}

	perHost := cfg.MaxConnections
	if perHost < 2 {
		perHost = 2
	}

	keepAlive := 30 * time.Second
	if cfg.DisableKeepAlives {
		// A negative KeepAlive means "disable" for net.Dialer.
		keepAlive = -1
	}

	d := &net.Dialer{Timeout: dialTimeout, KeepAlive: keepAlive}

	tr := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           d.DialContext,
		MaxIdleConns:          0,
		MaxIdleConnsPerHost:   0,
		IdleConnTimeout:       2 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		DisableKeepAlives:     cfg.DisableKeepAlives,
		ForceAttemptHTTP2:     !cfg.DisableHTTP2,
	}

	if cfg.DisableHTTP2 {
		// Force HTTP/1.1 only.
		tr.ForceAttemptHTTP2 = false
		tr.TLSNextProto = map[string]func(string, *tls.Conn) http.RoundTripper{}
	}

	// With keep-alives enabled, allow a small idle pool during the run;
	// CloseIdleConnections still runs on exit.
	if !cfg.DisableKeepAlives {
		tr.MaxIdleConns = 64
		tr.MaxIdleConnsPerHost = perHost
		tr.IdleConnTimeout = 10 * time.Second
	}

	return &http.Client{Transport: tr}, tr
}

// applyHTTPClient is a best-effort install of a custom http.Client on the
// speedtest instance. speedtest-go has renamed this setter across
// releases, so probe the known shapes.
func applyHTTPClient(stc any, hc *http.Client) {
	if stc == nil || hc == nil {
		return
	}
	if s, ok := stc.(interface{ SetHTTPClient(*http.Client) }); ok {
		s.SetHTTPClient(hc)
		return
	}
	if s, ok := stc.(interface{ SetHttpClient(*http.Client) }); ok {
		s.SetHttpClient(hc)
		return
	}
	if s, ok := stc.(interface{ SetClient(*http.Client) }); ok {
		s.SetClient(hc)
	}
}
