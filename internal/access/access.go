// Package access decides, per remote address and target port, whether
// a request may proceed. The API port accepts LAN, VPN overlay and
// localhost; the inference backend port accepts localhost only.
// Explicit blocks win over every allow rule.
package access

import (
	"log"
	"net/netip"
	"sync"
)

type Verdict struct {
	Allowed bool
	Reason  string
}

var defaultAllowed = []string{
	"127.0.0.0/8",
	"::1/128",
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"100.64.0.0/10", // tailscale-style CGNAT overlay
}

var localhostOnly = []string{
	"127.0.0.0/8",
	"::1/128",
}

type Controller struct {
	mu       sync.RWMutex
	apiPort  int
	llmPort  int
	allowed  []netip.Prefix
	loopback []netip.Prefix
	blocked  map[netip.Addr]bool
	logger   *log.Logger
}

func NewController(apiPort, llmPort int) *Controller {
	c := &Controller{
		apiPort: apiPort,
		llmPort: llmPort,
		blocked: make(map[netip.Addr]bool),
		logger:  log.New(log.Writer(), "[ACCESS] ", log.LstdFlags),
	}
	for _, cidr := range defaultAllowed {
		c.allowed = append(c.allowed, netip.MustParsePrefix(cidr))
	}
	for _, cidr := range localhostOnly {
		c.loopback = append(c.loopback, netip.MustParsePrefix(cidr))
	}
	return c
}

// Check evaluates one (remote address, target port) pair.
func (c *Controller) Check(remote string, port int) Verdict {
	addr, err := netip.ParseAddr(remote)
	if err != nil {
		return Verdict{Allowed: false, Reason: "neispravna adresa"}
	}
	addr = addr.Unmap()

	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.blocked[addr] {
		return Verdict{Allowed: false, Reason: "blocked"}
	}

	if port == c.llmPort {
		if matches(addr, c.loopback) {
			return Verdict{Allowed: true}
		}
		return Verdict{Allowed: false, Reason: "LLM backend je dostupan samo s localhosta"}
	}

	if matches(addr, c.allowed) {
		return Verdict{Allowed: true}
	}
	c.logger.Printf("odbijen pristup s %s na port %d", remote, port)
	return Verdict{Allowed: false, Reason: "adresa nije u dozvoljenoj mreži"}
}

// Block adds an explicit deny for one address. Takes precedence over
// every allow range.
func (c *Controller) Block(remote string) bool {
	addr, err := netip.ParseAddr(remote)
	if err != nil {
		return false
	}
	c.mu.Lock()
	c.blocked[addr.Unmap()] = true
	c.mu.Unlock()
	c.logger.Printf("blokirana adresa %s", remote)
	return true
}

func (c *Controller) Unblock(remote string) {
	addr, err := netip.ParseAddr(remote)
	if err != nil {
		return
	}
	c.mu.Lock()
	delete(c.blocked, addr.Unmap())
	c.mu.Unlock()
}

func (c *Controller) Stats() map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return map[string]interface{}{
		"blocked":  len(c.blocked),
		"api_port": c.apiPort,
		"llm_port": c.llmPort,
	}
}

func matches(addr netip.Addr, prefixes []netip.Prefix) bool {
	for _, p := range prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
