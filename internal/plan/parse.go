package plan

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
)

const maxLineSize = 1024 * 1024

// detectRx is a cheap pre-check, most lines of a plan are blank or free text.
var detectRx = regexp.MustCompile(`^\s*#?\s*(?i:pass|fail)(?:\s|$)`)

// token is either a double quoted string or a run of non-space, non-quote characters.
const token = `("[^"]*"|[^\s"]+)`

// stepRx matches the outcome plus 4 mandatory and 9 optional tokens, with an
// optional trailing comment.
var stepRx = regexp.MustCompile(stepPattern())

func stepPattern() string {
	var sb strings.Builder
	sb.WriteString(`^\s*(#)?\s*((?i:pass|fail))`)
	for range 4 {
		sb.WriteString(`\s+` + token)
	}
	optional := MaxParams - 1
	for range optional {
		sb.WriteString(`(?:\s+` + token)
	}
	sb.WriteString(strings.Repeat(`)?`, optional))
	sb.WriteString(`(?:\s+#.*)?\s*$`)
	return sb.String()
}

// ParseFile reads a plan file, see Parse.
func ParseFile(path string) (*Plan, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening plan: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()
	p, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("reading plan %s: %w", path, err)
	}
	p.Path = path
	return p, nil
}

// Parse reads steps line by line. Lines which do not look like a step are
// ignored, lines which look like a step but do not match the full grammar are
// reported in Plan.Warnings. Only read errors are returned.
func Parse(r io.Reader) (*Plan, error) {
	p := &Plan{}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSuffix(scanner.Text(), "\r")
		if !detectRx.MatchString(line) {
			continue
		}
		m := stepRx.FindStringSubmatch(line)
		if m == nil {
			p.Warnings = append(p.Warnings, Warning{
				Line:   lineNo,
				Text:   line,
				Reason: "line looks like a step but does not match the step grammar",
			})
			continue
		}
		step := parseStep(m)
		step.LineNumber = lineNo
		if step.Method == "" {
			p.Warnings = append(p.Warnings, Warning{
				Line:   lineNo,
				Text:   line,
				Reason: "step has no method",
			})
		}
		p.Steps = append(p.Steps, step)
	}
	if err := scanner.Err(); err != nil {
		return p, err
	}
	return p, nil
}

// parseStep maps submatches of stepRx to a Step. A field containing the
// comment marker is truncated and ends the parsing of the line.
func parseStep(m []string) Step {
	step := Step{
		Enabled:  m[1] == "",
		Expected: Pass,
	}
	if !strings.EqualFold(m[2], "PASS") {
		step.Expected = Fail
	}

	for i, raw := range m[3:] {
		if raw == "" {
			break
		}
		value, stop := field(raw)
		if value != "" {
			switch i {
			case 0:
				step.ExitOnError = strings.EqualFold(value, "TRUE")
			case 1:
				step.Action = value
			case 2:
				step.Method = value
			default:
				step.Params[i-3] = value
			}
		}
		if stop {
			break
		}
	}
	return step
}

func field(raw string) (value string, stop bool) {
	if idx := strings.Index(raw, CommentMarker); idx >= 0 {
		raw = raw[:idx]
		stop = true
	}
	raw = strings.TrimPrefix(raw, `"`)
	raw = strings.TrimSuffix(raw, `"`)
	return raw, stop
}
