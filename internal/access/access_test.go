package access

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAPIPortAllowsPrivateRanges(t *testing.T) {
	c := NewController(8420, 8080)

	for _, addr := range []string{
		"127.0.0.1",
		"::1",
		"10.1.2.3",
		"172.16.0.7",
		"192.168.1.50",
		"100.64.12.9", // overlay VPN
	} {
		v := c.Check(addr, 8420)
		assert.True(t, v.Allowed, addr)
	}
}

func TestAPIPortRefusesPublicAddresses(t *testing.T) {
	c := NewController(8420, 8080)

	for _, addr := range []string{"8.8.8.8", "203.0.113.4", "2001:db8::1"} {
		v := c.Check(addr, 8420)
		assert.False(t, v.Allowed, addr)
	}
}

func TestLLMPortLocalhostOnly(t *testing.T) {
	c := NewController(8420, 8080)

	assert.True(t, c.Check("127.0.0.1", 8080).Allowed)
	assert.True(t, c.Check("::1", 8080).Allowed)
	assert.False(t, c.Check("192.168.1.50", 8080).Allowed, "LAN may not reach the inference backend")
	assert.False(t, c.Check("100.64.12.9", 8080).Allowed)
}

func TestExplicitBlockWins(t *testing.T) {
	c := NewController(8420, 8080)

	assert.True(t, c.Check("192.168.1.50", 8420).Allowed)
	assert.True(t, c.Block("192.168.1.50"))

	v := c.Check("192.168.1.50", 8420)
	assert.False(t, v.Allowed)
	assert.Equal(t, "blocked", v.Reason)

	c.Unblock("192.168.1.50")
	assert.True(t, c.Check("192.168.1.50", 8420).Allowed)
}

func TestMappedIPv4Normalized(t *testing.T) {
	c := NewController(8420, 8080)
	assert.True(t, c.Check("::ffff:192.168.1.50", 8420).Allowed)
}

func TestGarbageAddressRefused(t *testing.T) {
	c := NewController(8420, 8080)
	assert.False(t, c.Check("not-an-address", 8420).Allowed)
}
