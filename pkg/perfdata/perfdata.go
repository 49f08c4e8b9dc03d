package perfdata

import (
	"fmt"
	"strconv"
	"strings"
)

// Value is a single parsed performance data entry:
// 'label'=value[unit];warn;crit;min;max
type Value struct {
	Label string
	Value float64
	Unit  string
	Warn  string
	Crit  string
	Min   string
	Max   string
}

// Parsed holds the split plugin output: human text and perfdata entries.
type Parsed struct {
	Text     string
	LongText string
	Perfdata []string
}

// SplitOutput splits raw plugin output into text and perfdata using the pipe
// delimiter. Multi-line output is supported: lines after the first belong to
// the long text until a pipe switches the remainder to perfdata.
func SplitOutput(raw string) Parsed {
	var p Parsed
	if raw == "" {
		return p
	}

	lines := strings.Split(raw, "\n")
	var longLines, perfLines []string
	inPerf := false

	for i, line := range lines {
		if i == 0 {
			if idx := strings.Index(line, "|"); idx >= 0 {
				p.Text = strings.TrimSpace(line[:idx])
				if rest := strings.TrimSpace(line[idx+1:]); rest != "" {
					perfLines = append(perfLines, rest)
				}
			} else {
				p.Text = strings.TrimSpace(line)
			}
			continue
		}
		if inPerf {
			if t := strings.TrimSpace(line); t != "" {
				perfLines = append(perfLines, t)
			}
			continue
		}
		if idx := strings.Index(line, "|"); idx >= 0 {
			if t := strings.TrimSpace(line[:idx]); t != "" {
				longLines = append(longLines, t)
			}
			if rest := strings.TrimSpace(line[idx+1:]); rest != "" {
				perfLines = append(perfLines, rest)
			}
			inPerf = true
			continue
		}
		longLines = append(longLines, line)
	}

	p.LongText = strings.Join(longLines, "\n")
	for _, pl := range perfLines {
		p.Perfdata = append(p.Perfdata, splitEntries(pl)...)
	}
	return p
}

// splitEntries splits a perfdata line on spaces, honoring single-quoted
// labels containing spaces.
func splitEntries(line string) []string {
	var entries []string
	var cur strings.Builder
	inQuote := false
	for _, r := range line {
		switch {
		case r == '\'':
			inQuote = !inQuote
			cur.WriteRune(r)
		case r == ' ' && !inQuote:
			if cur.Len() > 0 {
				entries = append(entries, cur.String())
				cur.Reset()
			}
		default:
			cur.WriteRune(r)
		}
	}
	if cur.Len() > 0 {
		entries = append(entries, cur.String())
	}
	return entries
}

// Parse parses a single perfdata entry.
func Parse(entry string) (*Value, error) {
	entry = strings.TrimSpace(entry)
	if entry == "" {
		return nil, fmt.Errorf("empty perfdata entry")
	}

	var label, rest string
	if strings.HasPrefix(entry, "'") {
		end := strings.Index(entry[1:], "'")
		if end < 0 {
			return nil, fmt.Errorf("unterminated quoted label in %q", entry)
		}
		label = entry[1 : end+1]
		rest = entry[end+2:]
		if !strings.HasPrefix(rest, "=") {
			return nil, fmt.Errorf("missing '=' after label in %q", entry)
		}
		rest = rest[1:]
	} else {
		idx := strings.Index(entry, "=")
		if idx < 0 {
			return nil, fmt.Errorf("missing '=' in %q", entry)
		}
		label = entry[:idx]
		rest = entry[idx+1:]
	}
	if label == "" {
		return nil, fmt.Errorf("empty label in %q", entry)
	}

	fields := strings.Split(rest, ";")
	valUnit := fields[0]

	numEnd := len(valUnit)
	for i, r := range valUnit {
		if (r < '0' || r > '9') && r != '.' && r != '-' && r != '+' && r != 'e' && r != 'E' {
			numEnd = i
			break
		}
	}
	val, err := strconv.ParseFloat(valUnit[:numEnd], 64)
	if err != nil {
		return nil, fmt.Errorf("bad value in %q: %w", entry, err)
	}

	v := &Value{Label: label, Value: val, Unit: valUnit[numEnd:]}
	if len(fields) > 1 {
		v.Warn = fields[1]
	}
	if len(fields) > 2 {
		v.Crit = fields[2]
	}
	if len(fields) > 3 {
		v.Min = fields[3]
	}
	if len(fields) > 4 {
		v.Max = fields[4]
	}
	return v, nil
}

// String formats the value back into plugin perfdata form.
func (v *Value) String() string {
	label := v.Label
	if strings.ContainsAny(label, " =") {
		label = "'" + label + "'"
	}
	s := fmt.Sprintf("%s=%s%s", label, strconv.FormatFloat(v.Value, 'f', -1, 64), v.Unit)
	tail := []string{v.Warn, v.Crit, v.Min, v.Max}
	last := -1
	for i, f := range tail {
		if f != "" {
			last = i
		}
	}
	for i := 0; i <= last; i++ {
		s += ";" + tail[i]
	}
	return s
}
