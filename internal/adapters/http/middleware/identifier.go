package middleware

import (
	"net"
	"net/http"
	"strings"
)

const (
	// AnonymousIdentifier buckets requests that carry no usable identity.
	AnonymousIdentifier = "anonymous"

	// DefaultDomainHeader and DefaultDomainParam are where the caller-supplied
	// domain is looked up when IdentifierOptions.PreferDomain is set.
	DefaultDomainHeader = "X-Client-Domain"
	DefaultDomainParam  = "domain"
)

// IdentifierOptions control how a request is mapped to a bucket identifier.
type IdentifierOptions struct {
	// ExplicitKey, when non-empty, is used verbatim for every request.
	ExplicitKey string

	// PreferDomain resolves the caller-supplied domain instead of the source
	// address.
	PreferDomain bool

	// DomainHeader and DomainParam override where the domain is read from;
	// empty values fall back to the defaults.
	DomainHeader string
	DomainParam  string
}

// ResolveIdentifier derives the bucket identifier for r. It never fails: when
// the selected resolution path yields nothing, the request is bucketed as
// AnonymousIdentifier. The source-address path trusts X-Forwarded-For and
// X-Real-IP as normalized by the edge proxy; nothing here validates them.
func ResolveIdentifier(r *http.Request, opts IdentifierOptions) string {
	if opts.ExplicitKey != "" {
		return opts.ExplicitKey
	}

	if opts.PreferDomain {
		if domain := resolveDomain(r, opts); domain != "" {
			return domain
		}
		return AnonymousIdentifier
	}

	if ip := extractIP(r); ip != "" {
		return ip
	}
	return AnonymousIdentifier
}

func resolveDomain(r *http.Request, opts IdentifierOptions) string {
	header := opts.DomainHeader
	if header == "" {
		header = DefaultDomainHeader
	}
	param := opts.DomainParam
	if param == "" {
		param = DefaultDomainParam
	}

	domain := r.Header.Get(header)
	if strings.TrimSpace(domain) == "" {
		domain = r.URL.Query().Get(param)
	}
	return strings.ToLower(strings.TrimSpace(domain))
}

func extractIP(r *http.Request) string {
	xForwardedFor := strings.TrimSpace(r.Header.Get("X-Forwarded-For"))
	if xForwardedFor != "" {
		parts := strings.Split(xForwardedFor, ",")
		if len(parts) > 0 {
			return strings.TrimSpace(parts[0])
		}
	}

	xRealIP := strings.TrimSpace(r.Header.Get("X-Real-IP"))
	if xRealIP != "" {
		return xRealIP
	}

	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(r.RemoteAddr)
	}

	return host
}
