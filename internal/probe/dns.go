package probe

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/makt28/vigil/internal/model"
)

// --- DNS Prober ---

var supportedRecordTypes = map[string]bool{
	"A": true, "AAAA": true, "CNAME": true, "MX": true, "NS": true, "TXT": true,
}

// LookupFunc resolves records of one type for host.
type LookupFunc func(ctx context.Context, recordType, host string) ([]string, error)

// DNSProber resolves the URL's hostname once. Latency is not measured.
type DNSProber struct {
	// Lookup overrides the resolver; nil uses net.DefaultResolver.
	Lookup LookupFunc
}

func (p *DNSProber) Probe(ctx context.Context, req Request) Outcome {
	host := hostname(req.URL)
	if host == "" {
		return failure(model.SeverityP1, "DNS check failed: no hostname in %q", req.URL)
	}

	recordType := strings.ToUpper(strings.TrimSpace(req.Check.DNSRecordType))
	if recordType == "" {
		recordType = "A"
	}
	if !supportedRecordTypes[recordType] {
		return failure(model.SeverityP2, "DNS check misconfigured: unsupported record type %q", recordType)
	}

	lookup := p.Lookup
	if lookup == nil {
		lookup = ResolverLookup(net.DefaultResolver)
	}

	records, err := lookup(ctx, recordType, host)
	if err != nil {
		return failure(model.SeverityP1, "DNS %s lookup for %s failed: %v", recordType, host, err)
	}
	if len(records) == 0 {
		return failure(model.SeverityP1, "DNS %s lookup for %s returned no records", recordType, host)
	}

	if want := strings.TrimSpace(req.Check.DNSExpectedValue); want != "" {
		found := false
		for _, r := range records {
			if strings.Contains(r, want) {
				found = true
				break
			}
		}
		if !found {
			return failure(model.SeverityP2, "DNS %s records for %s do not contain %q", recordType, host, want)
		}
	}

	return Outcome{
		OK:       true,
		Severity: model.SeverityP3,
		Detail:   fmt.Sprintf("DNS %s resolved: %s", recordType, strings.Join(records, ", ")),
	}
}

// ResolverLookup adapts a net.Resolver to LookupFunc.
func ResolverLookup(r *net.Resolver) LookupFunc {
	return func(ctx context.Context, recordType, host string) ([]string, error) {
		switch recordType {
		case "A", "AAAA":
			network := "ip4"
			if recordType == "AAAA" {
				network = "ip6"
			}
			ips, err := r.LookupIP(ctx, network, host)
			if err != nil {
				return nil, err
			}
			out := make([]string, 0, len(ips))
			for _, ip := range ips {
				out = append(out, ip.String())
			}
			return out, nil
		case "CNAME":
			cname, err := r.LookupCNAME(ctx, host)
			if err != nil {
				return nil, err
			}
			return []string{cname}, nil
		case "MX":
			mxs, err := r.LookupMX(ctx, host)
			if err != nil {
				return nil, err
			}
			out := make([]string, 0, len(mxs))
			for _, mx := range mxs {
				out = append(out, fmt.Sprintf("%d %s", mx.Pref, mx.Host))
			}
			return out, nil
		case "NS":
			nss, err := r.LookupNS(ctx, host)
			if err != nil {
				return nil, err
			}
			out := make([]string, 0, len(nss))
			for _, ns := range nss {
				out = append(out, ns.Host)
			}
			return out, nil
		case "TXT":
			return r.LookupTXT(ctx, host)
		default:
			return nil, fmt.Errorf("unsupported record type %q", recordType)
		}
	}
}

// hostname extracts the host part of a URL, accepting bare hostnames too.
func hostname(raw string) string {
	if u, err := url.Parse(raw); err == nil && u.Hostname() != "" {
		return u.Hostname()
	}
	if strings.Contains(raw, "/") {
		return ""
	}
	return strings.TrimSpace(raw)
}
