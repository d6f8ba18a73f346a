// Package allowlist decides which upstream hosts the gateway may fetch.
package allowlist

import (
	"errors"
	"net/url"
	"slices"
	"strings"
)

var (
	// ErrInvalidURL is returned when the target is not an absolute http(s) URL.
	ErrInvalidURL = errors.New("invalid url")
	// ErrHostNotAllowed is returned when the target host is not a member of the set.
	ErrHostNotAllowed = errors.New("host not allowed")
)

// AllowList is an immutable set of hostnames. Safe for concurrent use.
type AllowList struct {
	hosts map[string]struct{}
	order []string
}

// New builds an AllowList. Duplicate entries collapse; the first occurrence fixes the order.
func New(hosts ...string) *AllowList {
	a := &AllowList{hosts: make(map[string]struct{}, len(hosts))}
	for _, h := range hosts {
		if _, ok := a.hosts[h]; ok || h == "" {
			continue
		}
		a.hosts[h] = struct{}{}
		a.order = append(a.order, h)
	}
	return a
}

// FromURLs builds an AllowList from the hosts of absolute URLs. Unparseable entries are skipped.
func FromURLs(raws []string) *AllowList {
	hosts := make([]string, 0, len(raws))
	for _, raw := range raws {
		if u, err := url.Parse(raw); err == nil {
			hosts = append(hosts, u.Hostname())
		}
	}
	return New(hosts...)
}

// Contains reports exact membership of host.
func (a *AllowList) Contains(host string) bool {
	_, ok := a.hosts[host]
	return ok
}

// Allows reports whether u's hostname is a member.
func (a *AllowList) Allows(u *url.URL) bool {
	return u != nil && a.Contains(u.Hostname())
}

// Hosts returns the members in configuration order.
func (a *AllowList) Hosts() []string {
	return slices.Clone(a.order)
}

// Len returns the number of distinct hosts.
func (a *AllowList) Len() int {
	return len(a.order)
}

// Parse turns a raw target into an absolute http(s) URL, or ErrInvalidURL.
// The host is lower-cased so membership checks see the same form browsers do.
func Parse(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, ErrInvalidURL
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Hostname() == "" {
		return nil, ErrInvalidURL
	}
	u.Host = strings.ToLower(u.Host)
	return u, nil
}

// Check parses raw and verifies its host is a member.
func (a *AllowList) Check(raw string) (*url.URL, error) {
	u, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	if !a.Allows(u) {
		return u, ErrHostNotAllowed
	}
	return u, nil
}
