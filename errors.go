package pageflow

import (
	"errors"
	"strings"
)

// Error is the pageflow error domain type.
//
// Errors coming from pageflow components should be able to be inspected as
// ([errors.As]) an *Error at some point in the error chain.
//
// Components should create an Error at the system boundary (e.g. reading a
// file, invoking an archive library, decoding an image) and intermediate
// layers should not wrap in another Error except to add additional [ErrorKind]
// information. Prefer [fmt.Errorf] with a "%w" verb over creating a
// containing Error.
type Error struct {
	Inner   error
	Kind    ErrorKind
	Message string
	Op      string
}

var (
	_ error                       = (*Error)(nil)
	_ interface{ Is(error) bool } = (*Error)(nil)
	_ interface{ Unwrap() error } = (*Error)(nil)
)

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(" ")
	}
	b.WriteString("[")
	switch e.Kind {
	case KindNotFound,
		KindUnsupported,
		KindReadFailed,
		KindDecodeFailed,
		KindOversizeBitmap,
		KindUploadFailed,
		KindOblivious,
		KindInternal,
		KindInvalid:
		b.WriteString(string(e.Kind))
	default:
		b.WriteString("???")
	}
	b.WriteString("]: ")
	if e.Message != "" {
		b.WriteString(e.Message)
	}
	if e.Message != "" && e.Inner != nil {
		b.WriteString(": ")
	}
	if e.Op == "" && e.Message == "" {
		b.Reset()
	}
	if e.Inner != nil {
		b.WriteString(e.Inner.Error())
	}
	return b.String()
}

// Is enables [errors.Is]. It compares error kind; callers should compare
// against a declared [ErrorKind] rather than a specific *Error value.
func (e *Error) Is(kind error) bool {
	return errors.Is(e.Kind, kind)
}

// Unwrap enables [errors.Unwrap].
func (e *Error) Unwrap() error {
	return e.Inner
}

// ErrorKind classifies a pageflow error per the error handling taxonomy.
//
// If a caller is unsure which kind applies, KindInternal should be used.
type ErrorKind string

// Defined error kinds, corresponding to the error taxonomy: a requested
// entry does not exist, a file format isn't supported, the underlying
// storage (filesystem or archive) could not be read, the image codec
// rejected the bytes, a decoded bitmap would exceed the configured size
// ceiling, a texture failed to upload to the render backend, and a result
// computed under a stale generation that is dropped without being surfaced
// to the user.
var (
	KindNotFound       = ErrorKind("not_found")
	KindUnsupported    = ErrorKind("unsupported")
	KindReadFailed     = ErrorKind("read_failed")
	KindDecodeFailed   = ErrorKind("decode_failed")
	KindOversizeBitmap = ErrorKind("oversize_bitmap")
	KindUploadFailed   = ErrorKind("upload_failed")
	KindOblivious      = ErrorKind("oblivious")
	KindInternal       = ErrorKind("internal")
	KindInvalid        = ErrorKind("invalid")
)

func (k ErrorKind) Error() string {
	return string(k)
}

// Oblivious reports whether err represents a failure that the spec's error
// taxonomy says must never be surfaced as a user-visible error (a
// stale-generation result). Callers at the UI boundary use this to decide
// whether to log-and-swallow rather than present anything.
func Oblivious(err error) bool {
	return errors.Is(err, KindOblivious)
}
