package quicstream

// Task is a unit of completion work produced by Endpoint.OnSelected.
type Task interface {
	Run()
	InvocationType() InvocationType
	String() string
}

type taskKind uint8

const (
	taskCompleteWriteFillable taskKind = iota
	taskFillable
	taskCompleteWrite
)

// endpointTask is one of the three completion tasks of an endpoint. Its invocation
// type is computed from the callbacks latched at the time it is asked.
type endpointTask struct {
	ep   *Endpoint
	kind taskKind
}

func (t *endpointTask) Run() {
	switch t.kind {
	case taskCompleteWriteFillable:
		t.ep.writeFlusher.CompleteWrite()
		t.ep.fillInterest.Fillable()
	case taskFillable:
		t.ep.fillInterest.Fillable()
	case taskCompleteWrite:
		t.ep.writeFlusher.CompleteWrite()
	}
}

func (t *endpointTask) InvocationType() InvocationType {
	switch t.kind {
	case taskCompleteWriteFillable:
		return Combine(t.ep.fillInterest.CallbackInvocationType(), t.ep.writeFlusher.CallbackInvocationType())
	case taskFillable:
		return t.ep.fillInterest.CallbackInvocationType()
	default:
		return t.ep.writeFlusher.CallbackInvocationType()
	}
}

func (t *endpointTask) String() string {
	switch t.kind {
	case taskCompleteWriteFillable:
		return "runCompleteWriteFillable"
	case taskFillable:
		return "runFillable"
	default:
		return "runCompleteWrite"
	}
}
