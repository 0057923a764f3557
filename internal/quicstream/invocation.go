package quicstream

// InvocationType declares whether a callback or task may run inline on the transport
// loop. The zero value is NonBlocking.
type InvocationType uint8

const (
	// NonBlocking work never blocks and may always run inline.
	NonBlocking InvocationType = iota
	// Either may run inline or be offloaded, whichever the caller prefers.
	Either
	// Blocking work may block and must be offloaded to a worker.
	Blocking
)

func (t InvocationType) String() string {
	switch t {
	case NonBlocking:
		return "NON_BLOCKING"
	case Either:
		return "EITHER"
	case Blocking:
		return "BLOCKING"
	default:
		return "UNKNOWN"
	}
}

// Combine returns the invocation type of work that runs both a and b:
// equal types keep their type, NonBlocking with Either is Either, and anything else
// is Blocking.
func Combine(a, b InvocationType) InvocationType {
	if a == b {
		return a
	}
	if (a == NonBlocking && b == Either) || (a == Either && b == NonBlocking) {
		return Either
	}
	return Blocking
}

// Invocable is implemented by callbacks and tasks that declare how they may be run.
type Invocable interface {
	InvocationType() InvocationType
}

// InvocationTypeOf returns the declared invocation type of v, or Blocking when v is
// nil or declares nothing.
func InvocationTypeOf(v interface{}) InvocationType {
	if inv, ok := v.(Invocable); ok && inv != nil {
		return inv.InvocationType()
	}
	return Blocking
}

// Callback is a single-shot completion: exactly one of Succeeded or Failed is called.
type Callback interface {
	Succeeded()
	Failed(err error)
}

type funcCallback struct {
	success func()
	failure func(error)
	it      InvocationType
}

func (c *funcCallback) Succeeded() {
	if c.success != nil {
		c.success()
	}
}

func (c *funcCallback) Failed(err error) {
	if c.failure != nil {
		c.failure(err)
	}
}

func (c *funcCallback) InvocationType() InvocationType { return c.it }

// NewCallback builds a Callback from functions; either may be nil.
func NewCallback(success func(), failure func(error), it InvocationType) Callback {
	return &funcCallback{success: success, failure: failure, it: it}
}
