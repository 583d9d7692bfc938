package negotiate

// ResultKind tags a negotiation outcome.
type ResultKind int

const (
	// Success reports a completed operation with a boolean outcome and
	// no payload.
	Success ResultKind = iota

	// Failure reports an operation that did not complete. The cause is
	// only visible through the raw entry point's error; the safe entry
	// point discards it.
	Failure

	// Data reports a completed operation carrying a payload.
	Data
)

func (k ResultKind) String() string {
	switch k {
	case Success:
		return "success"
	case Failure:
		return "failure"
	case Data:
		return "data"
	default:
		return "unknown"
	}
}

// Result is the tagged outcome of one negotiation. A Data result
// carries exactly one payload kind, binary or text, never both. The
// constructors enforce this; the zero value is a failed Success.
type Result struct {
	kind   ResultKind
	ok     bool
	binary []byte
	text   string
	isText bool
}

// SuccessResult builds a Success carrying the boolean outcome.
func SuccessResult(ok bool) Result {
	return Result{kind: Success, ok: ok}
}

// FailureResult builds the Failure variant.
func FailureResult() Result {
	return Result{kind: Failure}
}

// BinaryResult builds a Data result carrying raw bytes.
func BinaryResult(payload []byte) Result {
	return Result{kind: Data, binary: payload}
}

// TextResult builds a Data result carrying text.
func TextResult(payload string) Result {
	return Result{kind: Data, text: payload, isText: true}
}

// Kind returns the variant tag.
func (r Result) Kind() ResultKind { return r.kind }

// OK reports the boolean outcome of a Success result; false for every
// other variant.
func (r Result) OK() bool { return r.kind == Success && r.ok }

// Binary returns the payload of a binary Data result.
func (r Result) Binary() ([]byte, bool) {
	if r.kind != Data || r.isText {
		return nil, false
	}
	return r.binary, true
}

// Text returns the payload of a text Data result.
func (r Result) Text() (string, bool) {
	if r.kind != Data || !r.isText {
		return "", false
	}
	return r.text, true
}
