package remotewrite

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/miekg/dns"
	"go.uber.org/multierr"
)

var errNoAnswer = errors.New("no A records in answer")

// resolveFastest queries all configured resolvers and the system resolver
// concurrently and returns the first non-empty answer. When every resolver
// fails, the errors are combined.
func (w *Writer) resolveFastest(ctx context.Context, host string) ([]string, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		ips []string
		err error
	}

	var lookups []func(context.Context) ([]string, error)
	for _, srv := range w.dnsCfg.udpServers {
		lookups = append(lookups, func(ctx context.Context) ([]string, error) {
			return exchange(ctx, "udp", host, srv, w.dnsCfg.timeout)
		})
	}
	for _, srv := range w.dnsCfg.tlsServers {
		lookups = append(lookups, func(ctx context.Context) ([]string, error) {
			return exchange(ctx, "tcp-tls", host, srv, w.dnsCfg.timeout)
		})
	}
	for _, ep := range w.dnsCfg.dohEndpoints {
		lookups = append(lookups, func(ctx context.Context) ([]string, error) {
			return resolveDoH(ctx, host, ep)
		})
	}
	lookups = append(lookups, func(ctx context.Context) ([]string, error) {
		return resolveSystem(ctx, host)
	})

	// Buffered so that lookups still running after the first answer can
	// finish without a reader once cancel fires.
	ch := make(chan result, len(lookups))
	for _, lookup := range lookups {
		go func() {
			ips, err := lookup(ctx)
			ch <- result{ips, err}
		}()
	}

	var errs error
	for range lookups {
		select {
		case r := <-ch:
			if r.err == nil && len(r.ips) > 0 {
				return r.ips, nil
			}
			if r.err == nil {
				r.err = errNoAnswer
			}
			errs = multierr.Append(errs, r.err)
		case <-ctx.Done():
			return nil, multierr.Append(errs, ctx.Err())
		}
	}
	return nil, errs
}

func resolveSystem(ctx context.Context, host string) ([]string, error) {
	netIPs, err := net.DefaultResolver.LookupIP(ctx, "ip4", host)
	if err != nil {
		return nil, err
	}
	ips := make([]string, 0, len(netIPs))
	for _, ip := range netIPs {
		ips = append(ips, ip.String())
	}
	return ips, nil
}

// exchange sends an A query over "udp" or "tcp-tls".
func exchange(ctx context.Context, network, host, server string, timeout time.Duration) ([]string, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(host), dns.TypeA)
	c := &dns.Client{Net: network, Timeout: timeout}
	r, _, err := c.ExchangeContext(ctx, m, server)
	if err != nil {
		return nil, fmt.Errorf("%s dns %s failed: %w", network, server, err)
	}
	return answerIPs(r)
}

func resolveDoH(ctx context.Context, host, endpoint string) ([]string, error) {
	q := new(dns.Msg)
	q.SetQuestion(dns.Fqdn(host), dns.TypeA)
	payload, err := q.Pack()
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/dns-message")
	req.Header.Set("Accept", "application/dns-message")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("doh status: %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var r dns.Msg
	if err := r.Unpack(body); err != nil {
		return nil, err
	}
	return answerIPs(&r)
}

func answerIPs(r *dns.Msg) ([]string, error) {
	if r == nil {
		return nil, errNoAnswer
	}
	if r.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("dns rcode: %s", dns.RcodeToString[r.Rcode])
	}
	ips := make([]string, 0, len(r.Answer))
	for _, ans := range r.Answer {
		if a, ok := ans.(*dns.A); ok {
			ips = append(ips, a.A.String())
		}
	}
	if len(ips) == 0 {
		return nil, errNoAnswer
	}
	return ips, nil
}
