package download

import "strings"

// Result is the outcome of a transfer. Values are stable on the wire.
type Result uint32

const (
	ResultOK Result = iota
	ResultFailed
	ResultIncorrectHash
	ResultCancelled
	ResultWriteError
)

func (r Result) String() string {
	switch r {
	case ResultOK:
		return "ok"
	case ResultFailed:
		return "failed"
	case ResultIncorrectHash:
		return "incorrect_hash"
	case ResultCancelled:
		return "cancelled"
	case ResultWriteError:
		return "write_error"
	default:
		return "unknown"
	}
}

// Handle identifies a transfer inside an engine.
type Handle uint64

// CompletionFunc is called exactly once per started transfer. It may be called
// from any goroutine, including from inside Start.
type CompletionFunc func(result Result, source, destination string)

// Engine performs transfers. The coordinator owns bookkeeping; the engine only moves bytes.
type Engine interface {
	Start(source, destination, hash string) (Handle, error)
	// Cancel stops a transfer and reports whether a partial result was kept that
	// a later Start for the same destination can continue from.
	Cancel(h Handle) (resumable bool)
	OnComplete(fn CompletionFunc)
}

// partialPath is where engines stage bytes before the destination is complete.
func partialPath(destination string) string {
	return strings.TrimRight(destination, "/") + ".partial"
}
