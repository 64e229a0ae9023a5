package imap

import (
	"net"
	"strings"
	"sync"
)

// Some server implementations report RFC822.SIZE unreliably and end a
// message with a short or empty partial fetch before the declared size is
// reached. They are recognized by their login banner; the resulting compat
// flag is consulted only when deciding whether a short chunk means
// end-of-message.
var quirkBanners = []string{
	"Microsoft Exchange",
	"Gimap ready",
}

// bannerConn wraps a connection and captures the server greeting (the first
// line sent) as it passes through, since the IMAP client consumes it before
// we get a chance to look at it.
type bannerConn struct {
	net.Conn

	mu     sync.Mutex
	banner strings.Builder
	done   bool
}

func newBannerConn(c net.Conn) *bannerConn {
	return &bannerConn{Conn: c}
}

func (c *bannerConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	if n > 0 {
		c.mu.Lock()
		if !c.done {
			for _, b := range p[:n] {
				if b == '\n' {
					c.done = true
					break
				}
				c.banner.WriteByte(b)
			}
		}
		c.mu.Unlock()
	}
	return n, err
}

// Banner returns the greeting line captured so far, without line ending.
func (c *bannerConn) Banner() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return strings.TrimRight(c.banner.String(), "\r")
}

func sizeUnreliable(banner string) bool {
	for _, q := range quirkBanners {
		if strings.Contains(banner, q) {
			return true
		}
	}
	return false
}
