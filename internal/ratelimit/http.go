// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ratelimit

import (
	"encoding/json"
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
)

// AnonymousIdentity is the shared bucket for requests with no usable address.
const AnonymousIdentity = "anonymous"

// ============================================================================
// Client identity
// ============================================================================

// ProxyList holds the CIDRs allowed to set forwarding headers.
//
// A nil or empty ProxyList trusts X-Forwarded-For and X-Real-IP from any peer
// and falls back to AnonymousIdentity. A non-empty list only honours those
// headers from listed peers and otherwise uses the socket address, which stops
// clients from picking their own bucket.
type ProxyList struct {
	nets []*net.IPNet
}

// ParseProxyList parses CIDRs or bare IPs.
func ParseProxyList(entries []string) (*ProxyList, error) {
	p := &ProxyList{}
	for _, raw := range entries {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if !strings.Contains(raw, "/") {
			ip := net.ParseIP(raw)
			if ip == nil {
				return nil, fmt.Errorf("invalid proxy address %q", raw)
			}
			bits := 128
			if ip.To4() != nil {
				bits = 32
				ip = ip.To4()
			}
			p.nets = append(p.nets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
			continue
		}
		_, ipNet, err := net.ParseCIDR(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy CIDR %q: %w", raw, err)
		}
		p.nets = append(p.nets, ipNet)
	}
	return p, nil
}

func (p *ProxyList) enabled() bool {
	return p != nil && len(p.nets) > 0
}

func (p *ProxyList) trusts(ipStr string) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, n := range p.nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// ClientIdentity derives the rate-limit identity of r: the first
// X-Forwarded-For entry, then X-Real-IP, then a fallback (see ProxyList).
func ClientIdentity(r *http.Request, proxies *ProxyList) string {
	connIP := remoteIP(r.RemoteAddr)
	if proxies.enabled() && !proxies.trusts(connIP) {
		return connIP
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); net.ParseIP(ip) != nil {
			return ip
		}
	}
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); net.ParseIP(xri) != nil {
		return xri
	}

	if proxies.enabled() && connIP != "" {
		return connIP
	}
	return AnonymousIdentity
}

func remoteIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

// ============================================================================
// Middleware
// ============================================================================

type deniedResponse struct {
	Error      string `json:"error"`
	RetryAfter int64  `json:"retryAfter"`
}

// Middleware enforces the rule named route on every request.
//
// Denied requests get 429 with a JSON body {error, retryAfter} where
// retryAfter is in milliseconds, plus X-RateLimit-Limit, -Remaining and
// -Reset (unix milliseconds) headers and a Retry-After header in seconds.
func (l *Limiter) Middleware(route string, proxies *ProxyList) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if l.Disabled() {
				next.ServeHTTP(w, r)
				return
			}

			res, err := l.Check(r.Context(), route, ClientIdentity(r, proxies))
			if err != nil {
				l.logger.Error().Err(err).Str("route", route).Msg("rate limit check failed")
				next.ServeHTTP(w, r)
				return
			}

			h := w.Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(res.Reset.UnixMilli(), 10))

			if !res.Allowed {
				h.Set("Retry-After", strconv.Itoa(int(math.Ceil(res.RetryAfter.Seconds()))))
				h.Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				json.NewEncoder(w).Encode(deniedResponse{
					Error:      "Too many requests",
					RetryAfter: res.RetryAfter.Milliseconds(),
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
