package frame

// ScanState is the lexical position of the brace scanner.
type ScanState uint8

const (
	// StateObject is outside any string literal; braces count here.
	StateObject ScanState = iota
	// StateString is inside a string literal.
	StateString
	// StateEscape follows an unescaped backslash inside a string literal.
	StateEscape
)

func (s ScanState) String() string {
	switch s {
	case StateObject:
		return "object"
	case StateString:
		return "string"
	case StateEscape:
		return "escape"
	default:
		return "unknown"
	}
}

// Scanner tracks string/escape state and brace depth one byte at a time.
//
// Multi-byte UTF-8 sequences never contain ASCII bytes, so scanning bytes is
// equivalent to scanning runes for the characters that matter here.
type Scanner struct {
	state ScanState
	depth int
}

// Step advances the scanner by one byte and reports whether b closed the
// outermost object (depth went from positive back to zero).
func (s *Scanner) Step(b byte) bool {
	switch s.state {
	case StateEscape:
		s.state = StateString
	case StateString:
		switch b {
		case '"':
			s.state = StateObject
		case '\\':
			s.state = StateEscape
		}
	default:
		switch b {
		case '"':
			s.state = StateString
		case '{':
			s.depth++
		case '}':
			if s.depth > 0 {
				s.depth--
				return s.depth == 0
			}
		}
	}
	return false
}

func (s *Scanner) State() ScanState { return s.state }

func (s *Scanner) Depth() int { return s.depth }

func (s *Scanner) Reset() {
	s.state = StateObject
	s.depth = 0
}
