package router

import "strings"

// Classification kinds.
const (
	KindNone     = "none"
	KindTopLevel = "top-level"
	KindInline   = "inline"
)

// Classification is the parse result for one message body. StrippedBody
// carries the text with the command token (and consumed argument)
// removed and whitespace normalized.
type Classification struct {
	Kind         string
	Command      string
	Args         []string
	StrippedBody string
}

// commandSpec describes one member of the closed command set.
type commandSpec struct {
	inline   bool // may appear embedded in free text
	takesArg bool // consumes one trailing argument word
}

// commandSet is the closed set of recognized commands. Commands that
// mutate session state are top-level-only; embedded in free text they
// read as plain conversation.
var commandSet = map[string]commandSpec{
	"reset":      {},
	"new":        {},
	"help":       {inline: true},
	"commands":   {inline: true},
	"whoami":     {inline: true},
	"status":     {inline: true},
	"send":       {takesArg: true},
	"activation": {takesArg: true},
}

// Classify decides whether body is a top-level command, an inline
// command, or plain conversation. Classification is deterministic:
// the same body always yields the same result.
func Classify(body string) Classification {
	fields := strings.Fields(body)
	if len(fields) == 0 {
		return Classification{Kind: KindNone, StrippedBody: ""}
	}

	// Top-level: the whole body is one slash token, optionally followed
	// by a single argument word.
	if name, ok := commandToken(fields[0]); ok && len(fields) <= 2 {
		cls := Classification{
			Kind:         KindTopLevel,
			Command:      name,
			StrippedBody: "",
		}
		if len(fields) == 2 {
			cls.Args = []string{fields[1]}
		}
		return cls
	}

	// Inline: a recognized token of the inline subset embedded in longer
	// text. The token (and its argument, if the command takes one) is
	// consumed; the rest is returned whitespace-normalized.
	for i, f := range fields {
		name, ok := commandToken(f)
		if !ok || !commandSet[name].inline {
			continue
		}

		rest := make([]string, 0, len(fields)-1)
		rest = append(rest, fields[:i]...)
		cls := Classification{Kind: KindInline, Command: name}
		j := i + 1
		if commandSet[name].takesArg && j < len(fields) {
			cls.Args = []string{fields[j]}
			j++
		}
		rest = append(rest, fields[j:]...)
		cls.StrippedBody = strings.Join(rest, " ")
		return cls
	}

	// Unrecognized slash-like tokens and everything else: conversation.
	return Classification{Kind: KindNone, StrippedBody: strings.Join(fields, " ")}
}

// commandToken reports whether a whitespace-delimited field is a
// recognized slash command token and returns its lowercase name.
func commandToken(field string) (string, bool) {
	if !strings.HasPrefix(field, "/") {
		return "", false
	}
	name := strings.ToLower(strings.TrimPrefix(field, "/"))
	if _, ok := commandSet[name]; !ok {
		return "", false
	}
	return name, true
}
