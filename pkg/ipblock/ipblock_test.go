package ipblock

import (
	"net"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestList_BlockRules(t *testing.T) {
	a := netip.MustParseAddr("10.0.0.1")
	b := netip.MustParseAddr("10.0.0.2")
	l := New()

	l.Block(a)
	assert.True(t, l.Blocked(a, "any"))
	assert.True(t, l.BlocksAll(a))

	l.BlockPlot(a, "scope")
	assert.True(t, l.BlocksAll(a), "a full block is not narrowed by a plot entry")

	l.BlockPlot(b, "scope")
	l.BlockPlot(b, "fft")
	assert.True(t, l.Blocked(b, "scope"))
	assert.False(t, l.Blocked(b, "other"))
	assert.False(t, l.BlocksAll(b))

	l.UnblockPlot(b, "scope")
	assert.False(t, l.Blocked(b, "scope"))
	l.UnblockPlot(b, "fft")
	assert.False(t, l.Blocked(b, "fft"))

	l.Unblock(a)
	assert.False(t, l.Blocked(a, "any"))

	l.Block(b)
	l.Clear()
	assert.False(t, l.Blocked(b, "x"))
}

func TestList_NilBlocksNothing(t *testing.T) {
	var l *List
	addr := netip.MustParseAddr("127.0.0.1")
	assert.False(t, l.Blocked(addr, "p"))
	assert.False(t, l.BlocksAll(addr))
	l.Seen(addr)
	assert.Nil(t, l.Senders())
}

func TestList_Seen(t *testing.T) {
	l := New()
	addr := AddrOf(&net.TCPAddr{IP: net.ParseIP("::ffff:192.168.1.5"), Port: 2000})
	assert.Equal(t, netip.MustParseAddr("192.168.1.5"), addr)

	l.Seen(addr)
	l.Seen(addr)
	l.Seen(AddrOf(&net.UDPAddr{IP: net.ParseIP("::1"), Port: 9}))
	assert.Len(t, l.Senders(), 2)
}
