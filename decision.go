package dynhook

import "fmt"

// Result is the decision a callback returns. Decisions rank Ignored <
// Handled < Override < Supersede; the Changed variants additionally ask for
// the parameters set through the Context to be applied to the call.
type Result int

const (
	// ChangedHandled is Handled with changed parameters.
	ChangedHandled Result = -2
	// ChangedOverride is Override with changed parameters.
	ChangedOverride Result = -1
	// Ignored means the callback had no opinion.
	Ignored Result = 0
	// Handled means the callback acted; the original still runs.
	Handled Result = 1
	// Override runs the original but hands the caller the callback's value.
	Override Result = 2
	// Supersede skips the original; the callback's value is returned.
	Supersede Result = 3
)

func (r Result) String() string {
	switch r {
	case ChangedHandled:
		return "changed-handled"
	case ChangedOverride:
		return "changed-override"
	case Ignored:
		return "ignored"
	case Handled:
		return "handled"
	case Override:
		return "override"
	case Supersede:
		return "supersede"
	}
	return fmt.Sprintf("Result(%d)", int(r))
}

// action strips the changed bit.
func (r Result) action() Result {
	switch r {
	case ChangedHandled:
		return Handled
	case ChangedOverride:
		return Override
	}
	return r
}

func (r Result) paramsChanged() bool {
	return r == ChangedHandled || r == ChangedOverride
}

func (r Result) valid() bool {
	return r >= ChangedHandled && r <= Supersede
}

// Handler is a consumer callback. An error discards the callback's effect,
// as if it returned Ignored, and is reported as a diagnostic.
type Handler func(ctx *Context) (Result, error)

// aggregator folds the decisions of one phase. Equal decisions replace
// earlier ones, so the last Override registered supplies the value.
type aggregator struct {
	final Result
	value []byte
}

func (g *aggregator) add(r Result, value []byte) {
	if r >= g.final {
		g.final = r
		g.value = value
	}
}
