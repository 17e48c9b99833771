// Package admission pre-screens clients against static block rules before
// any orchestration work is done.
package admission

import (
	"context"
	"fmt"
	"net/netip"
	"strings"

	"github.com/davidbz/ember/internal/domain"
	"github.com/davidbz/ember/internal/observability"
)

// Rule names reported in block decisions.
const (
	RuleIP        = "ip"
	RuleCountry   = "country"
	RuleUserAgent = "user_agent"
	RulePath      = "path"
)

// Config lists the blocked clients. IPs accept single addresses or CIDR prefixes.
type Config struct {
	BlockedIPs        []string `env:"ADMISSION_BLOCKED_IPS"`
	BlockedCountries  []string `env:"ADMISSION_BLOCKED_COUNTRIES"`
	BlockedUserAgents []string `env:"ADMISSION_BLOCKED_USER_AGENTS"`
	BlockedPaths      []string `env:"ADMISSION_BLOCKED_PATHS"`
}

// Rules implements domain.AdmissionController. It is immutable after
// construction and safe for concurrent use.
type Rules struct {
	prefixes   []netip.Prefix
	countries  map[string]bool
	userAgents []string
	paths      []string
}

var _ domain.AdmissionController = (*Rules)(nil)

// NewRules compiles the configured block lists.
func NewRules(config Config) (*Rules, error) {
	rules := &Rules{countries: make(map[string]bool, len(config.BlockedCountries))}

	for _, raw := range config.BlockedIPs {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		prefix, err := parsePrefix(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid blocked ip %q: %w", raw, err)
		}
		rules.prefixes = append(rules.prefixes, prefix)
	}

	for _, c := range config.BlockedCountries {
		if c = strings.ToUpper(strings.TrimSpace(c)); c != "" {
			rules.countries[c] = true
		}
	}

	for _, ua := range config.BlockedUserAgents {
		if ua = strings.ToLower(strings.TrimSpace(ua)); ua != "" {
			rules.userAgents = append(rules.userAgents, ua)
		}
	}

	for _, p := range config.BlockedPaths {
		if p = strings.TrimSpace(p); p != "" {
			rules.paths = append(rules.paths, p)
		}
	}

	return rules, nil
}

// ShouldBlock returns the first matching rule, or nil when the client is admitted.
func (r *Rules) ShouldBlock(ctx context.Context, client domain.ClientInfo) (*domain.BlockDecision, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	decision := r.match(client)
	if decision != nil {
		observability.FromContext(ctx).Warn("client blocked by admission rule",
			observability.String("rule", decision.Rule),
			observability.String("client_ip", client.IP),
			observability.String("path", client.Path),
		)
	}
	return decision, nil
}

func (r *Rules) match(client domain.ClientInfo) *domain.BlockDecision {
	if addr, err := netip.ParseAddr(client.IP); err == nil {
		addr = addr.Unmap()
		for _, prefix := range r.prefixes {
			if prefix.Contains(addr) {
				return &domain.BlockDecision{Rule: RuleIP, Reason: "client address " + prefix.String() + " is blocked"}
			}
		}
	}

	if country := strings.ToUpper(client.Country); country != "" && r.countries[country] {
		return &domain.BlockDecision{Rule: RuleCountry, Reason: "requests from " + country + " are blocked"}
	}

	agent := strings.ToLower(client.UserAgent)
	for _, ua := range r.userAgents {
		if strings.Contains(agent, ua) {
			return &domain.BlockDecision{Rule: RuleUserAgent, Reason: "user agent is blocked"}
		}
	}

	for _, p := range r.paths {
		if strings.HasPrefix(client.Path, p) {
			return &domain.BlockDecision{Rule: RulePath, Reason: "path " + p + " is blocked"}
		}
	}

	return nil
}

func parsePrefix(raw string) (netip.Prefix, error) {
	if strings.Contains(raw, "/") {
		prefix, err := netip.ParsePrefix(raw)
		if err != nil {
			return netip.Prefix{}, err
		}
		return prefix.Masked(), nil
	}

	addr, err := netip.ParseAddr(raw)
	if err != nil {
		return netip.Prefix{}, err
	}
	addr = addr.Unmap()
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}
