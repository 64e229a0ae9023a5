// Package archive is a content-addressed, append-only on-disk message store.
// Each folder of a mailbox maps to one escaped-name subdirectory holding
// immutable per-message files, and a sqlite index at the archive root maps
// header digests to their storage location and keeps the per-folder
// high-water mark of confirmed UIDs.
package archive

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	lru "github.com/hashicorp/golang-lru/v2"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/yzzyx/imap-archive/digest"
)

var (
	// ErrExists is returned by Store when the digest is already indexed.
	// Callers treat it as confirmation, not as a failure.
	ErrExists = errors.New("message already in archive")

	// ErrIncompatible is returned by Open when the on-disk layout was
	// written by an incompatible version and needs manual migration.
	ErrIncompatible = errors.New("incompatible archive format")
)

// Number of folder directories kept prepared at a time.
const folderCacheSize = 8

// Archive is a single-writer handle to one archive root. The index lock is
// held for the lifetime of the handle, so two handles on the same path
// serialize on Open.
type Archive struct {
	path    string
	log     *slog.Logger
	db      *sql.DB
	lock    *flock.Flock
	folders *lru.Cache[string, string]
}

// Open opens or creates the archive rooted at path.
func Open(path string, log *slog.Logger) (*Archive, error) {
	path, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	// A plain "index" file at the root is the layout of a previous
	// version; refuse to touch it rather than misread it.
	if st, err := os.Stat(filepath.Join(path, "index")); err == nil && !st.IsDir() {
		return nil, errors.Wrapf(ErrIncompatible, "legacy index file in %s", path)
	}

	if err := os.MkdirAll(path, 0700); err != nil {
		return nil, err
	}

	lock := flock.New(filepath.Join(path, "index.lock"))
	if err := lock.Lock(); err != nil {
		return nil, errors.Wrap(err, "locking archive index")
	}

	db, err := sql.Open("sqlite3", filepath.Join(path, "index.db"))
	if err != nil {
		_ = lock.Unlock()
		return nil, err
	}

	a := &Archive{path: path, log: log, db: db, lock: lock}
	a.folders, err = lru.New[string, string](folderCacheSize)
	if err == nil {
		err = a.migrate()
	}
	if err == nil {
		err = a.checkFormat()
	}
	if err != nil {
		_ = db.Close()
		_ = lock.Unlock()
		return nil, err
	}

	log.Debug("opened archive", "path", path)
	return a, nil
}

func (a *Archive) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS meta (
key         TEXT        PRIMARY KEY,
value       TEXT        NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS folders (
id          INTEGER     PRIMARY KEY,
folder      TEXT        UNIQUE NOT NULL,
lastseen    INTEGER     NOT NULL DEFAULT 1
);`,
		`CREATE TABLE IF NOT EXISTS messages (
digest      BLOB        PRIMARY KEY,
folder      INTEGER     NOT NULL REFERENCES folders (id),
uid         INTEGER     NOT NULL
);`,
	}

	for _, m := range migrations {
		if _, err := a.db.Exec(m); err != nil {
			return err
		}
	}
	return nil
}

// checkFormat pins the digest algorithm the index was created with. A digest
// change invalidates every existing entry, so it must never happen silently.
func (a *Archive) checkFormat() error {
	var algo string
	err := a.db.QueryRow(`SELECT value FROM meta WHERE key = 'digest'`).Scan(&algo)
	if err == sql.ErrNoRows {
		_, err = a.db.Exec(`INSERT INTO meta (key, value) VALUES ('digest', ?)`, digest.Algorithm)
		return err
	}
	if err != nil {
		return err
	}
	if algo != digest.Algorithm {
		return errors.Wrapf(ErrIncompatible, "archive uses digest %q, this version uses %q", algo, digest.Algorithm)
	}
	return nil
}

// Close flushes and releases the index.
func (a *Archive) Close() error {
	err := a.db.Close()
	if uerr := a.lock.Unlock(); err == nil {
		err = uerr
	}
	return err
}

// Contains reports whether a message with this digest is already archived.
// Deduplication is global across the archive root, not per folder.
func (a *Archive) Contains(d digest.Digest) (bool, error) {
	var one int
	err := a.db.QueryRow(`SELECT 1 FROM messages WHERE digest = ?`, d[:]).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// folderDir prepares the storage directory for a folder and memoizes the
// result in a fixed-size LRU, so repeated stores into the same folder skip
// the mkdir and index round trips.
func (a *Archive) folderDir(folder string) (string, error) {
	if dir, ok := a.folders.Get(folder); ok {
		return dir, nil
	}

	dir := filepath.Join(a.path, EscapeFolder(folder))
	for _, sub := range []string{"tmp", "cur"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0700); err != nil {
			return "", err
		}
	}
	if _, err := a.db.Exec(`INSERT OR IGNORE INTO folders (folder) VALUES (?)`, folder); err != nil {
		return "", err
	}

	a.log.Debug("opened folder directory", "folder", folder, "dir", dir)
	a.folders.Add(folder, dir)
	return dir, nil
}

// Store archives a complete message under its header digest. The message is
// written to the folder's tmp directory, flushed, renamed into cur and then
// recorded in the index, so a crash never leaves a partially visible
// message. The digest check is repeated inside the index transaction; an
// earlier Contains result is not trusted.
func (a *Archive) Store(folder string, message []byte, uid uint32) (string, error) {
	d := digest.Compute(message)

	dir, err := a.folderDir(folder)
	if err != nil {
		return "", err
	}

	tx, err := a.db.Begin()
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	var one int
	err = tx.QueryRow(`SELECT 1 FROM messages WHERE digest = ?`, d[:]).Scan(&one)
	if err == nil {
		return "", errors.Wrapf(ErrExists, "digest %s", d)
	}
	if err != sql.ErrNoRows {
		return "", err
	}

	name := fmt.Sprintf("%010d-%s.eml", uid, d)
	tmpPath := filepath.Join(dir, "tmp", name)
	curPath := filepath.Join(dir, "cur", name)

	if err := writeFileSync(tmpPath, message); err != nil {
		return "", err
	}
	if err := os.Rename(tmpPath, curPath); err != nil {
		_ = os.Remove(tmpPath)
		return "", err
	}

	_, err = tx.Exec(`INSERT INTO messages (digest, folder, uid) VALUES
		(?, (SELECT id FROM folders WHERE folder = ?), ?)`, d[:], folder, uid)
	if err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}

	a.log.Debug("message stored", "uid", uid, "file", name)
	return name, nil
}

func writeFileSync(path string, data []byte) error {
	fd, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	if _, err = fd.Write(data); err == nil {
		err = fd.Sync()
	}
	if cerr := fd.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(path)
	}
	return err
}

// LastSeen returns the highest UID confirmed archived for a folder,
// defaulting to 1 for folders never synced before.
func (a *Archive) LastSeen(folder string) (uint32, error) {
	var uid uint32
	err := a.db.QueryRow(`SELECT lastseen FROM folders WHERE folder = ?`, folder).Scan(&uid)
	if err == sql.ErrNoRows || (err == nil && uid == 0) {
		return 1, nil
	}
	if err != nil {
		return 0, err
	}
	return uid, nil
}

// SetLastSeen persists the watermark for a folder. It never moves the
// watermark backwards, so replaying an already confirmed UID is harmless.
func (a *Archive) SetLastSeen(folder string, uid uint32) error {
	_, err := a.db.Exec(`INSERT INTO folders (folder, lastseen) VALUES (?, ?)
		ON CONFLICT (folder) DO UPDATE SET lastseen = excluded.lastseen
		WHERE excluded.lastseen > folders.lastseen`, folder, uid)
	return err
}
