package multistream

import "github.com/pkg/errors"

// ErrProtocol covers malformed frames, header mismatches and unexpected EOF
// before settling (spec.md §4.1 "Errors").
var ErrProtocol = errors.New("multistream: protocol error")

// ErrFailed means the dialer exhausted its candidate list without the
// listener accepting any of them (spec.md §4.1 "Errors").
var ErrFailed = errors.New("multistream: no protocol in the intersection")
