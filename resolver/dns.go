// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

package resolver

import (
	"context"
	"net"
	"net/netip"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/miekg/dns"
	"github.com/momentics/hioload-comm/api"
	"github.com/pkg/errors"
)

const resolvConf = "/etc/resolv.conf"

// DNSBackend queries name servers directly for A and AAAA records.
type DNSBackend struct {
	client  *dns.Client
	servers []string
}

var _ Backend = (*DNSBackend)(nil)

// NewDNSBackend uses nameservers ("host" or "host:port"), falling back to
// the servers in /etc/resolv.conf when the list is empty.
func NewDNSBackend(nameservers []string, timeout time.Duration) (*DNSBackend, error) {
	var servers []string
	for _, ns := range nameservers {
		if _, _, err := net.SplitHostPort(ns); err != nil {
			ns = net.JoinHostPort(ns, "53")
		}
		servers = append(servers, ns)
	}
	if len(servers) == 0 {
		cc, err := dns.ClientConfigFromFile(resolvConf)
		if err != nil {
			return nil, errors.Wrap(err, "reading resolver config")
		}
		for _, s := range cc.Servers {
			servers = append(servers, net.JoinHostPort(s, cc.Port))
		}
	}
	if len(servers) == 0 {
		return nil, errors.New("no name servers configured")
	}
	return &DNSBackend{
		client:  &dns.Client{Net: "udp", Timeout: timeout},
		servers: servers,
	}, nil
}

// Lookup returns the IPv4 addresses of host followed by its IPv6 addresses.
func (b *DNSBackend) Lookup(ctx context.Context, host string) ([]netip.Addr, error) {
	name := dns.Fqdn(host)
	var addrs []netip.Addr
	var errs *multierror.Error
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		got, err := b.query(ctx, name, qtype)
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		addrs = append(addrs, got...)
	}
	if len(addrs) > 0 {
		return addrs, nil
	}
	if err := errs.ErrorOrNil(); err != nil {
		return nil, err
	}
	return nil, api.NewError(api.ErrCodeNotFound, "no addresses").WithContext("host", host)
}

func (b *DNSBackend) query(ctx context.Context, name string, qtype uint16) ([]netip.Addr, error) {
	m := new(dns.Msg)
	m.SetQuestion(name, qtype)
	m.RecursionDesired = true

	var lastErr error
	for _, srv := range b.servers {
		in, _, err := b.client.ExchangeContext(ctx, m, srv)
		if err != nil {
			lastErr = errors.Wrapf(err, "%s query to %s", dns.TypeToString[qtype], srv)
			if ctx.Err() != nil {
				break
			}
			continue
		}
		switch in.Rcode {
		case dns.RcodeSuccess:
		case dns.RcodeNameError:
			return nil, api.NewError(api.ErrCodeNotFound, "no such host").WithContext("host", name)
		default:
			lastErr = errors.Errorf("%s query to %s: %s", dns.TypeToString[qtype], srv, dns.RcodeToString[in.Rcode])
			continue
		}
		var out []netip.Addr
		for _, rr := range in.Answer {
			switch rr := rr.(type) {
			case *dns.A:
				if a, ok := netip.AddrFromSlice(rr.A); ok {
					out = append(out, a.Unmap())
				}
			case *dns.AAAA:
				if a, ok := netip.AddrFromSlice(rr.AAAA); ok {
					out = append(out, a)
				}
			}
		}
		return out, nil
	}
	return nil, lastErr
}
