// Package sync drives the control loop for one account: list folders, skip
// excluded ones, enumerate UIDs above the watermark, dedup by header digest
// and archive whatever is new.
package sync

import (
	"bufio"
	"bytes"
	"context"
	"log/slog"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/emersion/go-message/textproto"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"

	"github.com/yzzyx/imap-archive/archive"
	"github.com/yzzyx/imap-archive/digest"
	"github.com/yzzyx/imap-archive/imap"
)

// Chunk sizes for progressive fetches. A sufficiently large first-flight
// chunk captures the whole body of most messages in a single round trip.
const (
	DefaultFirstFlight = 64 * 1024
	DefaultChunkSize   = 10 * 1024 * 1024
)

// Source is the remote mailbox session the orchestrator reads from,
// implemented by imap.Mailserver. All calls are sequential.
type Source interface {
	Folders() ([]string, error)
	Select(folder string) error
	UIDsFrom(first uint32) ([]uint32, error)
	FetchHeader(uid uint32) (header []byte, size uint32, err error)
	FetchChunk(uid uint32, offset, length uint32) ([]byte, error)
	SizeUnreliable() bool
}

// Store is the local archive the orchestrator writes to, implemented by
// archive.Archive.
type Store interface {
	Contains(d digest.Digest) (bool, error)
	Store(folder string, message []byte, uid uint32) (string, error)
	LastSeen(folder string) (uint32, error)
	SetLastSeen(folder string, uid uint32) error
}

// Options control one account run.
type Options struct {
	// Full restarts every folder from UID 1 instead of its watermark.
	Full bool

	// Exclude holds shell-glob patterns matched against raw folder
	// names; a matching folder is never selected, enumerated or
	// written to.
	Exclude []string

	// Progress draws a per-folder progress bar on stdout.
	Progress bool

	// Chunk sizes for progressive fetches; zero means the default.
	FirstFlight uint32
	ChunkSize   uint32
}

// Run synchronizes all folders of one account. A vanished folder is skipped,
// any other error is fatal for the account. Cancellation via ctx is honored
// between messages; everything confirmed up to that point stays durable.
func Run(ctx context.Context, log *slog.Logger, src Source, store Store, opts Options) error {
	if opts.FirstFlight == 0 {
		opts.FirstFlight = DefaultFirstFlight
	}
	if opts.ChunkSize == 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	for _, pattern := range opts.Exclude {
		if !doublestar.ValidatePattern(flattened(pattern)) {
			return errors.Errorf("invalid exclude pattern %q", pattern)
		}
	}

	folders, err := src.Folders()
	if err != nil {
		return err
	}

	for _, folder := range folders {
		if pattern := matchExclude(opts.Exclude, folder); pattern != "" {
			log.Debug("folder excluded", "folder", folder, "pattern", pattern)
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		err := syncFolder(ctx, log.With("folder", folder), src, store, folder, opts)
		if errors.Is(err, imap.ErrNotFound) {
			log.Warn("skipping vanished folder", "folder", folder, "error", err)
			continue
		}
		if err != nil {
			return errors.Wrapf(err, "folder %s", folder)
		}
	}
	return nil
}

// Exclude patterns use shell-glob (fnmatch) semantics against the raw
// folder name: '*' crosses hierarchy separators, so "Junk*" excludes
// "Junk/2023" and "*Trash" excludes "INBOX/Trash", but neither touches
// "Inbox". doublestar stops '*' at '/', so separators in both pattern and
// name are mapped to a placeholder byte that cannot occur in either.
const separatorPlaceholder = "\x00"

func flattened(s string) string {
	return strings.ReplaceAll(s, "/", separatorPlaceholder)
}

// matchExclude returns the first pattern matching the folder name.
func matchExclude(patterns []string, folder string) string {
	name := flattened(folder)
	for _, pattern := range patterns {
		if ok, _ := doublestar.Match(flattened(pattern), name); ok {
			return pattern
		}
	}
	return ""
}

func syncFolder(ctx context.Context, log *slog.Logger, src Source, store Store, folder string, opts Options) error {
	if err := src.Select(folder); err != nil {
		return err
	}

	start := uint32(1)
	if !opts.Full {
		var err error
		if start, err = store.LastSeen(folder); err != nil {
			return err
		}
	}
	log.Debug("starting", "uid", start)

	uids, err := src.UIDsFrom(start)
	if err != nil {
		return err
	}
	if len(uids) == 0 {
		return nil
	}

	var bar *progressbar.ProgressBar
	if opts.Progress {
		bar = progressbar.NewOptions(len(uids), progressbar.OptionSetDescription(folder))
		defer bar.Finish()
	}

	for _, uid := range uids {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if bar != nil {
			bar.Add(1)
		}
		// Paranoia against servers that ignore the search range.
		if uid < start {
			continue
		}

		if err := syncMessage(log, src, store, folder, uid, opts); err != nil {
			return errors.Wrapf(err, "uid %d", uid)
		}
		// The watermark only moves once the message is confirmed present,
		// so reprocessing this UID after a crash is idempotent.
		if err := store.SetLastSeen(folder, uid); err != nil {
			return err
		}
	}
	return nil
}

func syncMessage(log *slog.Logger, src Source, store Store, folder string, uid uint32, opts Options) error {
	header, size, err := src.FetchHeader(uid)
	if err != nil {
		return err
	}

	d := digest.Compute(header)
	ok, err := store.Contains(d)
	if err != nil {
		return err
	}
	if ok {
		log.Debug("already archived", "uid", uid, "digest", d)
		return nil
	}

	message, err := assemble(src, uid, header, size, opts.FirstFlight, opts.ChunkSize)
	if err != nil {
		return err
	}

	if _, err := store.Store(folder, message, uid); err != nil {
		// A concurrent writer or an interrupted earlier run may have
		// archived it between the contains check and here; that still
		// counts as confirmed present.
		if errors.Is(err, archive.ErrExists) {
			log.Debug("stored by an earlier run", "uid", uid, "digest", d)
			return nil
		}
		return err
	}

	log.Info("message archived", "uid", uid, "size", len(message), "subject", subjectOf(header))
	return nil
}

// assemble retrieves the message body in progressive chunks and concatenates
// it onto the header: one first-flight chunk, then large chunks until the
// declared size is reached. On a size-unreliable server a short or empty
// chunk is a soft end-of-message; anywhere else an empty chunk before the
// declared size is a protocol error.
func assemble(src Source, uid uint32, header []byte, size uint32, firstFlight, chunkSize uint32) ([]byte, error) {
	var buf bytes.Buffer
	if int(size) > len(header) {
		buf.Grow(int(size))
	}
	buf.Write(header)

	var pos uint32
	want := firstFlight
	for size > uint32(len(header))+pos {
		part, err := src.FetchChunk(uid, pos, want)
		if err != nil {
			return nil, err
		}
		if len(part) == 0 {
			if src.SizeUnreliable() {
				break
			}
			return nil, errors.Wrapf(imap.ErrProtocol, "empty chunk at offset %d of %d", pos, size)
		}
		buf.Write(part)
		pos += uint32(len(part))
		if src.SizeUnreliable() && uint32(len(part)) < want {
			break
		}
		want = chunkSize
	}
	return buf.Bytes(), nil
}

func subjectOf(header []byte) string {
	h, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(digest.Canonical(header))))
	if err != nil {
		return ""
	}
	return h.Get("Subject")
}
