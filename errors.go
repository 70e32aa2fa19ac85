package xfdb

// Kind is the closed error enumeration from spec.md §7. Every error the
// core returns carries one of these so callers can branch on cause rather
// than string-match messages.
type Kind uint8

const (
	KindUnknown Kind = iota

	KindPathNotExist
	KindPathExist
	KindPathCreate
	KindPathDelete
	KindPathInvalid

	KindFileOpen
	KindFileRead
	KindFileWrite
	KindFileLock
	KindFileFormat

	KindMemoryNotEnough
	KindBufferFull
	KindNoMoreData
	KindResExhaust

	KindStarted
	KindStopped
	KindInvalidMode
	KindInvalidConfig
	KindInProcessing

	KindDBOpened
	KindDBClosed
	KindDBExist
	KindDBNotExist

	KindBucketExist
	KindBucketNotExist
	KindBucketDeleted
	KindBucketEmpty
	KindBucketName

	KindObjectNotExist
	KindObjectTooLarge
)

var kindNames = map[Kind]string{
	KindPathNotExist:    "PathNotExist",
	KindPathExist:       "PathExist",
	KindPathCreate:      "PathCreate",
	KindPathDelete:      "PathDelete",
	KindPathInvalid:     "PathInvalid",
	KindFileOpen:        "FileOpen",
	KindFileRead:        "FileRead",
	KindFileWrite:       "FileWrite",
	KindFileLock:        "FileLock",
	KindFileFormat:      "FileFormat",
	KindMemoryNotEnough: "MemoryNotEnough",
	KindBufferFull:      "BufferFull",
	KindNoMoreData:      "NoMoreData",
	KindResExhaust:      "ResExhaust",
	KindStarted:         "Started",
	KindStopped:         "Stopped",
	KindInvalidMode:     "InvalidMode",
	KindInvalidConfig:   "InvalidConfig",
	KindInProcessing:    "InProcessing",
	KindDBOpened:        "DbOpened",
	KindDBClosed:        "DbClosed",
	KindDBExist:         "DbExist",
	KindDBNotExist:      "DbNotExist",
	KindBucketExist:     "BucketExist",
	KindBucketNotExist:  "BucketNotExist",
	KindBucketDeleted:   "BucketDeleted",
	KindBucketEmpty:     "BucketEmpty",
	KindBucketName:      "BucketName",
	KindObjectNotExist:  "ObjectNotExist",
	KindObjectTooLarge:  "ObjectTooLarge",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "Unknown"
}

// Error wraps a Kind with the operation and path that produced it, plus an
// optional underlying cause.
type Error struct {
	Kind Kind
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Path != "" {
		msg += " (" + e.Path + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func newErr(kind Kind, op, path string, err error) *Error {
	return &Error{Kind: kind, Op: op, Path: path, Err: err}
}

// Is lets errors.Is(err, ErrObjectNotExist) match any *Error of that Kind,
// independent of Op/Path/Err.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Sentinel errors for errors.Is comparisons; only Kind is significant.
var (
	ErrObjectNotExist = &Error{Kind: KindObjectNotExist}
	ErrObjectTooLarge = &Error{Kind: KindObjectTooLarge}
	ErrBucketNotExist = &Error{Kind: KindBucketNotExist}
	ErrBucketExist    = &Error{Kind: KindBucketExist}
	ErrBucketName     = &Error{Kind: KindBucketName}
	ErrNoMoreData     = &Error{Kind: KindNoMoreData}
	ErrFileLock       = &Error{Kind: KindFileLock}
	ErrInvalidConfig  = &Error{Kind: KindInvalidConfig}
	ErrInProcessing   = &Error{Kind: KindInProcessing}
	ErrDBClosed       = &Error{Kind: KindDBClosed}
	ErrFileFormat     = &Error{Kind: KindFileFormat}
)
