package plan

import (
	"strings"
)

// MaxParams is the number of positional parameter slots of a Step.
const MaxParams = 10

// CommentMarker disables a step when it starts a line and truncates a field
// when it appears inside one.
const CommentMarker = "#"

// DefaultAction is the action family every plan historically used.
const DefaultAction = "ExecuteAction"

type Outcome int

const (
	Pass Outcome = iota
	Fail
)

func (o Outcome) String() string {
	if o == Fail {
		return "FAIL"
	}
	return "PASS"
}

// Step is one action of a Plan.
type Step struct {
	LineNumber  int // 1-based physical line in the source file, 0 for new steps
	Enabled     bool
	Expected    Outcome
	ExitOnError bool
	Action      string
	Method      string
	Params      [MaxParams]string
}

// NewStep returns an enabled step expected to pass.
func NewStep(method string, params ...string) Step {
	s := Step{
		Enabled:     true,
		Expected:    Pass,
		ExitOnError: true,
		Action:      DefaultAction,
		Method:      method,
	}
	for i, p := range params {
		s.SetParam(i, p)
	}
	return s
}

// Param returns the i-th parameter, empty for out of range indexes.
func (s Step) Param(i int) string {
	if i < 0 || i >= MaxParams {
		return ""
	}
	return s.Params[i]
}

// SetParam sets the i-th parameter; out of range indexes are ignored.
func (s *Step) SetParam(i int, value string) {
	if i < 0 || i >= MaxParams {
		return
	}
	s.Params[i] = value
}

// ParamCount returns the highest populated parameter index plus one, never less
// than one as param0 is always written.
func (s Step) ParamCount() int {
	n := 1
	for i := MaxParams - 1; i > 0; i-- {
		if s.Params[i] != "" {
			n = i + 1
			break
		}
	}
	return n
}

// FormatStep renders a step in the tab separated plan format, without a
// trailing newline.
func FormatStep(s Step) string {
	var sb strings.Builder
	if !s.Enabled {
		sb.WriteString(CommentMarker)
	}
	sb.WriteString(s.Expected.String())
	sb.WriteByte('\t')
	if s.ExitOnError {
		sb.WriteString("TRUE")
	} else {
		sb.WriteString("FALSE")
	}
	sb.WriteByte('\t')
	sb.WriteString(s.Action)
	sb.WriteByte('\t')
	sb.WriteString(s.Method)
	for i := range s.ParamCount() {
		sb.WriteByte('\t')
		sb.WriteByte('"')
		sb.WriteString(s.Params[i])
		sb.WriteByte('"')
	}
	return sb.String()
}

// Plan is an ordered sequence of steps read from (or destined for) a file.
type Plan struct {
	Path     string
	Steps    []Step
	Warnings []Warning
}

// Warning reports a line which looks like a step but was not fully understood.
type Warning struct {
	Line   int
	Text   string
	Reason string
}
