package tokenizer

import "strings"

// completionState is one of the detector's seven states: idle (before
// any statement), inside an ordinary statement, just after EXPLAIN,
// just after CREATE, inside a trigger body, and the two intermediate
// states that recognize the trigger body's "; END ;" terminator.
type completionState int

const (
	csStart completionState = iota
	csOrdinary
	csAfterExplain
	csAfterCreate
	csInTrigger
	csTriggerSemi // saw ';' inside a trigger body, watching for END
	csTriggerEnd  // saw END after that ';', watching for the closing ';'
)

// Completer is the statement-completion detector: a small state machine fed
// the same token stream Scan produces, used to decide whether a buffered
// script (as typed into a shell, or accumulated by a driver) ends at a
// statement boundary and is safe to hand to the parser.
//
// The zero value is ready to use and starts in the idle state.
type Completer struct {
	state     completionState
	sawTrigger bool // CREATE TRIGGER seen; waiting for the body's BEGIN
}

// Reset returns the completer to its initial idle state.
func (c *Completer) Reset() {
	*c = Completer{}
}

// Feed advances the state machine by one token. Whitespace and comments
// never cause a transition.
func (c *Completer) Feed(kind Kind, text string) {
	switch kind {
	case Whitespace, LineComment, BlockComment:
		return
	}

	upper := ""
	if kind == Keyword {
		upper = strings.ToUpper(text)
	}

	switch c.state {
	case csStart:
		switch upper {
		case "EXPLAIN":
			c.state = csAfterExplain
		case "CREATE":
			c.state = csAfterCreate
			c.sawTrigger = false
		default:
			if kind == Operator && text == ";" {
				// A bare ';' at idle is itself a (trivially empty) complete
				// statement; stay idle.
				return
			}
			c.state = csOrdinary
		}

	case csAfterExplain:
		if upper == "CREATE" {
			c.state = csAfterCreate
			c.sawTrigger = false
			return
		}
		if kind == Operator && text == ";" {
			c.state = csStart
			return
		}
		c.state = csOrdinary

	case csAfterCreate:
		switch upper {
		case "TRIGGER":
			c.sawTrigger = true
		case "BEGIN":
			if c.sawTrigger {
				c.state = csInTrigger
				return
			}
		}
		if kind == Operator && text == ";" {
			c.state = csStart
			return
		}
		// Stay in csAfterCreate until BEGIN promotes to csInTrigger, or a
		// ';' closes a non-trigger CREATE statement (handled above).

	case csOrdinary:
		if kind == Operator && text == ";" {
			c.state = csStart
		}

	case csInTrigger:
		if kind == Operator && text == ";" {
			c.state = csTriggerSemi
		}

	case csTriggerSemi:
		if upper == "END" {
			c.state = csTriggerEnd
			return
		}
		// Not END: that ';' just closed one of the trigger body's inner
		// statements; keep scanning the body.
		c.state = csInTrigger
		// Re-feed this token against csInTrigger in case it is itself a ';'
		// starting a new inner statement terminator sequence.
		if kind == Operator && text == ";" {
			c.state = csTriggerSemi
		}

	case csTriggerEnd:
		if kind == Operator && text == ";" {
			c.state = csStart
			return
		}
		// END not immediately followed by ';': fall back into the body.
		c.state = csInTrigger
	}
}

// Done reports whether the completer is sitting at a statement boundary:
// the buffer fed to it so far forms zero or more complete statements with
// nothing trailing.
func (c *Completer) Done() bool {
	return c.state == csStart
}

// IsComplete tokenizes src in full and reports whether it forms zero or more
// complete statements with no trailing partial statement (empty or
// comment-only input counts as complete). An unterminated
// string/blob literal never completes, since Scan reports it as an Illegal
// token that consumes the remainder of the buffer without ever producing
// the closing quote.
func IsComplete(src []byte) bool {
	var c Completer
	i := 0
	for i < len(src) {
		tok, err := Scan(src, i)
		if err != nil || tok.Len == 0 {
			return false
		}
		c.Feed(tok.Kind, tok.Text(src))
		i += tok.Len
	}
	return c.Done()
}
