package imap

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chunkedConn feeds canned bytes through Read in deliberately awkward
// pieces, the way a real connection might split the greeting.
type chunkedConn struct {
	chunks [][]byte
}

func (c *chunkedConn) Read(p []byte) (int, error) {
	if len(c.chunks) == 0 {
		return 0, io.EOF
	}
	n := copy(p, c.chunks[0])
	if n == len(c.chunks[0]) {
		c.chunks = c.chunks[1:]
	} else {
		c.chunks[0] = c.chunks[0][n:]
	}
	return n, nil
}

func (c *chunkedConn) Write(p []byte) (int, error)      { return len(p), nil }
func (c *chunkedConn) Close() error                     { return nil }
func (c *chunkedConn) LocalAddr() net.Addr              { return nil }
func (c *chunkedConn) RemoteAddr() net.Addr             { return nil }
func (c *chunkedConn) SetDeadline(time.Time) error      { return nil }
func (c *chunkedConn) SetReadDeadline(time.Time) error  { return nil }
func (c *chunkedConn) SetWriteDeadline(time.Time) error { return nil }

func TestBannerCapture(t *testing.T) {
	greeting := "* OK Gimap ready for requests from 10.0.0.1\r\n* more data\r\n"
	conn := newBannerConn(&chunkedConn{chunks: [][]byte{
		[]byte(greeting[:7]),
		[]byte(greeting[7:20]),
		[]byte(greeting[20:]),
	}})

	buf := make([]byte, 16)
	for {
		if _, err := conn.Read(buf); err != nil {
			require.ErrorIs(t, err, io.EOF)
			break
		}
	}

	assert.Equal(t, "* OK Gimap ready for requests from 10.0.0.1", conn.Banner())
}

func TestSizeUnreliable(t *testing.T) {
	assert.True(t, sizeUnreliable("* OK Gimap ready for requests from 10.0.0.1"))
	assert.True(t, sizeUnreliable("* OK The Microsoft Exchange IMAP4 service is ready."))
	assert.False(t, sizeUnreliable("* OK Dovecot ready."))
}
