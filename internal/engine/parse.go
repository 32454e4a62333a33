package engine

import (
	"regexp"
	"strings"
)

// OutcomeKind tags the classification of one model response.
type OutcomeKind int

const (
	// OutcomeUnparsed means neither an Action line nor a Final Answer
	// marker was recognized.
	OutcomeUnparsed OutcomeKind = iota
	// OutcomeAction means the response requests a tool invocation.
	OutcomeAction
	// OutcomeFinal means the response carries the run's final answer.
	OutcomeFinal
)

// Outcome is the parsed form of a model response. Exactly one of the
// kind-specific fields is meaningful.
type Outcome struct {
	Kind   OutcomeKind
	Action string // tool name, OutcomeAction only
	Input  string // raw Action Input text, may be empty
	Answer string // final answer text, OutcomeFinal only
}

var (
	actionRe = regexp.MustCompile(`Action:\s*(.*)`)
	inputRe  = regexp.MustCompile(`Action Input:\s*(.*)`)
	finalRe  = regexp.MustCompile(`(?s)Final Answer:\s*(.*)`)
)

// Parse classifies a raw model response. An Action line takes
// precedence even when a Final Answer marker also appears later in the
// same text: the model is taking a step, not concluding.
func Parse(text string) Outcome {
	if m := actionRe.FindStringSubmatch(text); m != nil {
		out := Outcome{Kind: OutcomeAction, Action: strings.TrimSpace(m[1])}
		if im := inputRe.FindStringSubmatch(text); im != nil {
			out.Input = strings.TrimSpace(im[1])
		}
		return out
	}

	if strings.Contains(text, "Final Answer:") {
		answer := text
		if m := finalRe.FindStringSubmatch(text); m != nil {
			answer = strings.TrimSpace(m[1])
		}
		return Outcome{Kind: OutcomeFinal, Answer: answer}
	}

	return Outcome{Kind: OutcomeUnparsed}
}
