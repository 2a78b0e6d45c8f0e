package condition

import "fmt"

// SyntaxError reports malformed condition text. Pos is the byte offset
// where the problem was detected.
type SyntaxError struct {
	Pos int
	Msg string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("syntax error at position %d: %s", e.Pos, e.Msg)
}

// EvaluationFault reports a structurally invalid tree. It indicates a bug in
// whatever built the tree, never a problem with the event data.
type EvaluationFault struct {
	Node Node
	Msg  string
	Err  error
}

func (e *EvaluationFault) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("evaluation fault: %s: %v", e.Msg, e.Err)
	}
	return "evaluation fault: " + e.Msg
}

func (e *EvaluationFault) Unwrap() error {
	return e.Err
}
