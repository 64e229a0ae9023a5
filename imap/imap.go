// Copyright © 2020 Elias Norberg
// Licensed under the GPLv3 or later.
// See COPYING at the root of the repository for details.

// Package imap owns one sequential, connection-scoped session to a remote
// mailbox server. The session is not safe for interleaved use: one folder is
// selected at a time and one request is outstanding at a time, so a
// Mailserver must be exclusively owned by a single account worker.
package imap

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net"
	"sort"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
)

// Error categories for one account run. Connection and authentication
// failures are fatal for the account, a missing folder only aborts that
// folder, and protocol errors mean the server response could not be used.
var (
	ErrConnection = errors.New("connection failed")
	ErrAuth       = errors.New("authentication failed")
	ErrProtocol   = errors.New("protocol error")
	ErrNotFound   = errors.New("folder not found")
)

const commandTimeout = 180 * time.Second

// Options describe how to reach and log into a mailbox server.
type Options struct {
	Host        string
	Port        int
	Username    string
	Password    string
	UseTLS      bool
	UseStartTLS bool

	// Trace receives the raw protocol exchange when set.
	Trace io.Writer
}

// Mailserver is a logged-in session.
type Mailserver struct {
	log    *slog.Logger
	c      *client.Client
	compat bool
}

// Connect dials the server, captures the greeting banner and logs in.
func Connect(log *slog.Logger, opts Options) (*Mailserver, error) {
	if opts.Port == 0 {
		opts.Port = 143
		if opts.UseTLS {
			opts.Port = 993
		}
	}
	addr := fmt.Sprintf("%s:%d", opts.Host, opts.Port)
	tlsConfig := &tls.Config{ServerName: opts.Host}

	log.Info("connecting", "addr", addr)
	dialer := &net.Dialer{Timeout: 30 * time.Second}
	var conn net.Conn
	var err error
	if opts.UseTLS {
		conn, err = tls.DialWithDialer(dialer, "tcp", addr, tlsConfig)
	} else {
		conn, err = dialer.Dial("tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnection, err)
	}

	banner := newBannerConn(conn)
	c, err := client.New(banner)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: %v", ErrConnection, err)
	}
	c.Timeout = commandTimeout
	if opts.Trace != nil {
		c.SetDebug(opts.Trace)
	}

	if opts.UseStartTLS {
		if err = c.StartTLS(tlsConfig); err != nil {
			_ = c.Logout()
			return nil, fmt.Errorf("%w: starttls: %v", ErrConnection, err)
		}
	}

	log.Info("logging in", "user", opts.Username)
	if err = c.Login(opts.Username, opts.Password); err != nil {
		_ = c.Logout()
		return nil, fmt.Errorf("%w: %v", ErrAuth, err)
	}

	ms := &Mailserver{log: log, c: c, compat: sizeUnreliable(banner.Banner())}
	if ms.compat {
		log.Info("server reports sizes unreliably", "banner", banner.Banner())
	}
	return ms, nil
}

// SizeUnreliable reports whether the server was recognized at login as one
// that may end a message before its declared size.
func (ms *Mailserver) SizeUnreliable() bool {
	return ms.compat
}

// Logout releases the connection.
func (ms *Mailserver) Logout() error {
	return ms.c.Logout()
}

// Folders lists all folder names in server order.
func (ms *Mailserver) Folders() ([]string, error) {
	mboxChan := make(chan *imap.MailboxInfo, 10)
	done := make(chan error, 1)
	go func() {
		done <- ms.c.List("", "*", mboxChan)
	}()

	var names []string
	for mb := range mboxChan {
		names = append(names, mb.Name)
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("%w: list: %v", ErrProtocol, err)
	}
	return names, nil
}

// Select opens a folder read-only. Selecting a folder invalidates any
// pending operation on the previously selected one.
func (ms *Mailserver) Select(folder string) error {
	_, err := ms.c.Select(folder, true)
	if err == nil {
		return nil
	}
	// A NO response means the folder vanished, which only aborts this
	// folder. A dead or desynchronized session fails a NOOP as well and
	// must surface as a connection error, or the whole account would be
	// "skipped" into a clean exit.
	if nerr := ms.c.Noop(); nerr != nil {
		return fmt.Errorf("%w: select %s: %v", ErrConnection, folder, err)
	}
	return fmt.Errorf("%w: %s: %v", ErrNotFound, folder, err)
}

// UIDsFrom returns the UIDs of the selected folder that are >= first, in
// ascending order. The underlying "n:*" search always echoes the highest
// existing UID even when there is no new mail, so results below first are
// dropped here.
func (ms *Mailserver) UIDsFrom(first uint32) ([]uint32, error) {
	seqSet := new(imap.SeqSet)
	seqSet.AddRange(first, math.MaxUint32)

	criteria := imap.NewSearchCriteria()
	criteria.Uid = seqSet

	ms.log.Debug("SEARCH", "uid", seqSet.String())
	uids, err := ms.c.UidSearch(criteria)
	if err != nil {
		return nil, fmt.Errorf("%w: uid search: %v", ErrProtocol, err)
	}

	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	for len(uids) > 0 && uids[0] < first {
		uids = uids[1:]
	}
	return uids, nil
}
