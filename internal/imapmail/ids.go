package imapmail

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"github.com/emersion/go-imap/v2"
)

// Message ids are "<base64url mailbox>.<uid>" so they stay path-safe and
// carry the mailbox needed to select before acting on the message.
func encodeID(mailbox string, uid imap.UID) string {
	return base64.RawURLEncoding.EncodeToString([]byte(mailbox)) + "." + strconv.FormatUint(uint64(uid), 10)
}

func decodeID(id string) (string, imap.UID, error) {
	encoded, rawUID, ok := strings.Cut(id, ".")
	if !ok {
		return "", 0, fmt.Errorf("malformed message id %q", id)
	}
	mailbox, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil || len(mailbox) == 0 {
		return "", 0, fmt.Errorf("malformed message id %q", id)
	}
	uid, err := strconv.ParseUint(rawUID, 10, 32)
	if err != nil || uid == 0 {
		return "", 0, fmt.Errorf("malformed message id %q", id)
	}
	return string(mailbox), imap.UID(uid), nil
}

// pageWindow maps a newest-first skip/top request onto the ascending
// sequence numbers of a mailbox holding total messages. ok is false when
// the page is past the oldest message.
func pageWindow(total uint32, skip, top int) (start, stop uint32, next *int, ok bool) {
	if top <= 0 {
		top = 10
	}
	if skip < 0 {
		skip = 0
	}
	if uint64(skip) >= uint64(total) {
		return 0, 0, nil, false
	}
	stop = total - uint32(skip)
	start = 1
	if stop > uint32(top) {
		start = stop - uint32(top) + 1
	}
	if start > 1 {
		n := skip + top
		next = &n
	}
	return start, stop, next, true
}
