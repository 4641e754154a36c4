package llm

import (
	"fmt"

	"github.com/joseph-ayodele/casewatch/constants"
)

// attemptFailure describes why one attempt's output was rejected.
type attemptFailure struct {
	Kind constants.FailureKind
	Text string // raw model output, possibly partial
	Err  error
}

// conversation is the message accumulator threaded through the retry loop.
// Corrections return a new conversation; the receiver is never modified.
type conversation struct {
	msgs        []Message
	corrections int
}

func newConversation(msgs []Message) conversation {
	return conversation{msgs: append([]Message(nil), msgs...)}
}

// Messages returns the messages to send on the next attempt.
func (c conversation) Messages() []Message {
	return c.msgs
}

// withCorrection appends the corrective follow-up for f.
func (c conversation) withCorrection(f attemptFailure) conversation {
	next := make([]Message, len(c.msgs), len(c.msgs)+2)
	copy(next, c.msgs)

	switch f.Kind {
	case constants.FailureTruncated:
		next = append(next, User(
			"Your previous reply was cut off before the JSON was complete. "+
				"Resend the complete JSON object from the beginning, as compactly as possible, with no commentary."))
	case constants.FailureParse:
		next = append(next,
			Assistant(f.Text),
			User(fmt.Sprintf("That reply was not valid JSON (%v). Respond again with only the corrected JSON object.", f.Err)))
	case constants.FailureSchema:
		next = append(next,
			Assistant(f.Text),
			User(fmt.Sprintf("That JSON does not match the required schema: %v. Respond again with only a JSON object that satisfies the schema.", f.Err)))
	default:
		return c
	}
	return conversation{msgs: next, corrections: c.corrections + 1}
}
