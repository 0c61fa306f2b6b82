// Package remotewrite forwards health samples to a Prometheus remote-write
// endpoint. A Writer is a healthmon.Consumer; every Sample becomes one batch
// of gauge series stamped with the Sample time.
package remotewrite

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	lru "github.com/elastic/go-freelru"
	"github.com/eryajf/promwrite"
	"github.com/google/uuid"
	"github.com/zeebo/xxh3"
	"go.uber.org/zap"

	"github.com/nikiz24/healthmon"
)

// Config defines the remote-write target and the labels attached to every series.
type Config struct {
	// Service identification
	Namespace   string
	Subsystem   string
	ServiceName string

	RemoteWriteURL string
	// Timeout bounds a single write, including the retry after a DNS refresh.
	Timeout time.Duration

	// Instance information
	InstanceIP   string
	SessionID    uuid.UUID
	CustomLabels map[string]string

	// Optional logger
	Logger *zap.Logger

	// DNS resolver options (optional, for advanced use cases)
	DNSEnable          bool
	DNSCacheTTL        time.Duration
	DNSRefreshInterval time.Duration
	DNSTimeout         time.Duration
	DNSUDPServers      []string // e.g. ["1.1.1.1:53", "8.8.8.8:53"]
	DNSTLSServers      []string // e.g. ["1.1.1.1:853", "9.9.9.9:853"]
	DNSDoHEndpoints    []string // e.g. ["https://cloudflare-dns.com/dns-query"]
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		Namespace:    "healthmon",
		Subsystem:    "process",
		ServiceName:  "service",
		Timeout:      15 * time.Second,
		CustomLabels: make(map[string]string),
	}
}

// Metric is a single gauge reading derived from a Sample.
type Metric struct {
	Name      string
	Value     float64
	Labels    map[string]string
	Timestamp time.Time
}

// dnsCacheSize bounds the number of hosts kept by the resolver cache.
const dnsCacheSize = 64

// Writer is a healthmon.Consumer writing samples to a remote-write endpoint.
type Writer struct {
	config Config
	logger *zap.Logger

	mutex  sync.Mutex
	client *promwrite.Client

	// DNS functionality
	targetHost  string
	resolvedIPs []string
	lastResolve time.Time
	dnsCfg      dnsConfig
	dnsCache    *lru.SyncedLRU[string, []string]
}

type dnsConfig struct {
	enabled         bool
	refreshInterval time.Duration
	timeout         time.Duration
	udpServers      []string
	tlsServers      []string
	dohEndpoints    []string
}

// New creates a Writer for config.RemoteWriteURL.
func New(config Config) (*Writer, error) {
	if config.ServiceName == "" {
		return nil, fmt.Errorf("service name cannot be empty")
	}
	if config.RemoteWriteURL == "" {
		return nil, fmt.Errorf("remote write url cannot be empty")
	}
	u, err := url.Parse(config.RemoteWriteURL)
	if err != nil {
		return nil, fmt.Errorf("invalid remote write url: %w", err)
	}

	if config.InstanceIP == "" {
		ip, err := GetOutboundIPv4()
		if err != nil {
			return nil, fmt.Errorf("failed to get outbound IPv4: %w", err)
		}
		config.InstanceIP = ip
	}
	if config.SessionID == uuid.Nil {
		config.SessionID = uuid.New()
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}

	cache, err := lru.NewSynced[string, []string](dnsCacheSize, hashString)
	if err != nil {
		return nil, fmt.Errorf("failed to create dns cache: %w", err)
	}
	cache.SetLifetime(pickDuration(config.DNSCacheTTL, 10*time.Minute))

	return &Writer{
		config:     config,
		logger:     config.Logger,
		client:     promwrite.NewClient(config.RemoteWriteURL),
		targetHost: u.Hostname(),
		dnsCfg: dnsConfig{
			enabled:         config.DNSEnable,
			refreshInterval: pickDuration(config.DNSRefreshInterval, 5*time.Minute),
			timeout:         pickDuration(config.DNSTimeout, 800*time.Millisecond),
			udpServers:      append([]string(nil), config.DNSUDPServers...),
			tlsServers:      append([]string(nil), config.DNSTLSServers...),
			dohEndpoints:    append([]string(nil), config.DNSDoHEndpoints...),
		},
		dnsCache: cache,
	}, nil
}

// hashString keys the dns cache.
func hashString(s string) uint32 {
	return uint32(xxh3.HashString(s))
}

func pickDuration(v time.Duration, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

// Consume implements healthmon.Consumer. A failed write is retried once after
// a forced DNS refresh.
func (w *Writer) Consume(ctx context.Context, s healthmon.Sample) error {
	tsList := w.convertToTimeSeries(Convert(s))
	if len(tsList) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, pickDuration(w.config.Timeout, 15*time.Second))
	defer cancel()

	req := &promwrite.WriteRequest{
		TimeSeries: tsList,
	}

	_, err := w.currentClient().Write(ctx, req)
	if err != nil {
		if w.RefreshDNS(true) {
			_, retryErr := w.currentClient().Write(ctx, req)
			if retryErr == nil {
				return nil
			}
			return fmt.Errorf("writing time series failed after dns refresh: %w", retryErr)
		}
		return fmt.Errorf("writing time series failed: %w", err)
	}

	w.logger.Debug("wrote sample", zap.Int("series", len(tsList)))
	return nil
}

func (w *Writer) currentClient() *promwrite.Client {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	return w.client
}

// Run refreshes the target address every DNSRefreshInterval until ctx is
// done. It returns immediately when DNS refresh is disabled or the target is
// an IP literal.
func (w *Writer) Run(ctx context.Context) {
	if !w.dnsCfg.enabled || w.targetHost == "" || net.ParseIP(w.targetHost) != nil {
		return
	}
	ticker := time.NewTicker(w.dnsCfg.refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.RefreshDNS(false)
		case <-ctx.Done():
			return
		}
	}
}

// RefreshDNS resolves the target host and recreates the client if the
// address set changed. It reports whether the client was recreated.
func (w *Writer) RefreshDNS(force bool) bool {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	if w.targetHost == "" || net.ParseIP(w.targetHost) != nil {
		return false
	}

	// Throttle resolves
	if !force && time.Since(w.lastResolve) < 1*time.Minute {
		return false
	}

	if ips, ok := w.dnsCache.Get(w.targetHost); ok && !force {
		w.lastResolve = time.Now()
		if stringSlicesEqual(ips, w.resolvedIPs) {
			return false
		}
		w.resolvedIPs = ips
		w.client = promwrite.NewClient(w.config.RemoteWriteURL)
		w.logger.Info("DNS cache hit, refreshed client",
			zap.String("host", w.targetHost), zap.Strings("ips", ips))
		return true
	}

	var (
		newSet []string
		err    error
	)
	ctx, cancel := context.WithTimeout(context.Background(), w.dnsCfg.timeout)
	defer cancel()
	if w.dnsCfg.enabled {
		newSet, err = w.resolveFastest(ctx, w.targetHost)
	} else {
		newSet, err = resolveSystem(ctx, w.targetHost)
	}

	w.lastResolve = time.Now()
	if err != nil || len(newSet) == 0 {
		w.logger.Warn("DNS lookup failed", zap.String("host", w.targetHost), zap.Error(err))
		return false
	}

	changed := !stringSlicesEqual(newSet, w.resolvedIPs)
	w.resolvedIPs = newSet
	if w.dnsCfg.enabled {
		w.dnsCache.Add(w.targetHost, newSet)
	}

	if changed || force {
		// Recreate client to force new connections
		w.client = promwrite.NewClient(w.config.RemoteWriteURL)
		w.logger.Info("Refreshed remote write client after DNS update",
			zap.String("host", w.targetHost), zap.Strings("ips", w.resolvedIPs))
		return true
	}
	return false
}

func stringSlicesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// convertToTimeSeries adds the identification labels to each metric.
func (w *Writer) convertToTimeSeries(metrics []Metric) []promwrite.TimeSeries {
	result := make([]promwrite.TimeSeries, 0, len(metrics))

	prefix := fmt.Sprintf("%s_%s", w.config.Namespace, w.config.Subsystem)
	session := w.config.SessionID.String()

	for _, metric := range metrics {
		expectedCapacity := 5 + len(w.config.CustomLabels) + len(metric.Labels)
		labels := make([]promwrite.Label, 0, expectedCapacity)

		labels = append(labels, []promwrite.Label{
			{Name: "__name__", Value: fmt.Sprintf("%s_%s", prefix, metric.Name)},
			{Name: "_instance_", Value: w.config.InstanceIP},
			{Name: "instance", Value: w.config.InstanceIP},
			{Name: "_target_", Value: w.config.ServiceName},
			{Name: "session", Value: session},
		}...)

		for k, v := range w.config.CustomLabels {
			labels = append(labels, promwrite.Label{Name: k, Value: v})
		}
		for k, v := range metric.Labels {
			labels = append(labels, promwrite.Label{Name: k, Value: v})
		}

		result = append(result, promwrite.TimeSeries{
			Labels: labels,
			Sample: promwrite.Sample{
				Time:  metric.Timestamp,
				Value: metric.Value,
			},
		})
	}
	return result
}

// GetOutboundIPv4 gets the outbound IPv4 address of the local machine
func GetOutboundIPv4() (string, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", err
	}
	defer conn.Close()

	localAddr := conn.LocalAddr().(*net.UDPAddr)
	return localAddr.IP.String(), nil
}
