package imap

import (
	"fmt"
	"io"

	"github.com/emersion/go-imap"
)

// fetchOne issues a single UID FETCH and returns its response. The session
// is strictly synchronous, one outstanding request at a time.
func (ms *Mailserver) fetchOne(uid uint32, items []imap.FetchItem) (*imap.Message, error) {
	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uid)

	messages := make(chan *imap.Message, 1)
	done := make(chan error, 1)
	go func() {
		done <- ms.c.UidFetch(seqSet, items, messages)
	}()

	var msg *imap.Message
	for m := range messages {
		if msg == nil {
			msg = m
		}
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("%w: uid fetch %d: %v", ErrProtocol, uid, err)
	}
	if msg == nil {
		return nil, fmt.Errorf("%w: server returned no response for uid %d", ErrProtocol, uid)
	}
	return msg, nil
}

// bodySection finds the literal for a body specifier in a fetch response.
// The response key may differ from the requested section (partial fetches
// come back with only the offset), so we match on the specifier.
func bodySection(msg *imap.Message, specifier imap.PartSpecifier) (imap.Literal, bool) {
	for section, literal := range msg.Body {
		if section != nil && section.Specifier == specifier {
			return literal, true
		}
	}
	return nil, false
}

// FetchHeader retrieves the raw header bytes and the declared total size of
// a message. This is the cheap call used for the dedup check before deciding
// whether the body is worth transferring at all.
func (ms *Mailserver) FetchHeader(uid uint32) ([]byte, uint32, error) {
	section := &imap.BodySectionName{
		BodyPartName: imap.BodyPartName{Specifier: imap.HeaderSpecifier},
		Peek:         true,
	}
	items := []imap.FetchItem{imap.FetchRFC822Size, imap.FetchUid, section.FetchItem()}

	ms.log.Debug("FETCH", "uid", uid, "item", "header+size")
	msg, err := ms.fetchOne(uid, items)
	if err != nil {
		return nil, 0, err
	}

	literal, ok := bodySection(msg, imap.HeaderSpecifier)
	if !ok || literal == nil {
		return nil, 0, fmt.Errorf("%w: no header returned for uid %d", ErrProtocol, uid)
	}
	header, err := io.ReadAll(literal)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: reading header of uid %d: %v", ErrProtocol, uid, err)
	}
	return header, msg.Size, nil
}

// FetchChunk retrieves length bytes of the message text starting at offset.
// An empty result is returned as an empty slice without error; whether that
// is acceptable depends on the server quirk flag and is the caller's call.
func (ms *Mailserver) FetchChunk(uid uint32, offset, length uint32) ([]byte, error) {
	section := &imap.BodySectionName{
		BodyPartName: imap.BodyPartName{Specifier: imap.TextSpecifier},
		Peek:         true,
		Partial:      []int{int(offset), int(length)},
	}

	ms.log.Debug("FETCH", "uid", uid, "partial", fmt.Sprintf("<%d.%d>", offset, length))
	msg, err := ms.fetchOne(uid, []imap.FetchItem{section.FetchItem()})
	if err != nil {
		return nil, err
	}

	literal, ok := bodySection(msg, imap.TextSpecifier)
	if !ok || literal == nil {
		// Some servers omit the literal entirely for an empty body.
		return nil, nil
	}
	part, err := io.ReadAll(literal)
	if err != nil {
		return nil, fmt.Errorf("%w: reading chunk of uid %d: %v", ErrProtocol, uid, err)
	}
	return part, nil
}
