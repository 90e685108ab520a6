package vmbridge

// Version is the library version string, retrievable by hosts for
// diagnostics.
const Version = "0.3.0"

// Ref is an opaque reference to a guest-side dynamic value. A Ref by
// itself carries no liveness guarantee; wrap it in a value.Handle to
// track whether the collector has been told to keep it alive.
type Ref uint64

// NilRef is the zero Ref, used where the guest returns no value.
const NilRef Ref = 0

// Kind identifies the dynamic type of a guest value as seen by the host.
type Kind uint8

const (
	KindNull Kind = iota
	KindInt
	KindFloat
	KindBool
	KindString
	KindObject
)

var kindNames = [...]string{
	KindNull:   "null",
	KindInt:    "int",
	KindFloat:  "float",
	KindBool:   "bool",
	KindString: "string",
	KindObject: "object",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}
