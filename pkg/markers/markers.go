// Package markers implements the Marker Engine: parses the structured
// single-line directives a model reply may embed (spec.md 4.3), strips
// them from the user-visible text, and exposes them as a typed sequence
// for the pipeline to dispatch. Grounded on the teacher's
// pkg/tools/message.go SendCallback pattern (a side-effect invoked by name
// with string arguments, silent to the user) generalized from a tool call
// into a text-embedded directive.
package markers

import "strings"

// Name is one of the recognized marker directive names.
type Name string

const (
	Schedule           Name = "SCHEDULE"
	ScheduleAction     Name = "SCHEDULE_ACTION"
	CancelTask         Name = "CANCEL_TASK"
	UpdateTask         Name = "UPDATE_TASK"
	Reward             Name = "REWARD"
	Lesson             Name = "LESSON"
	Personality        Name = "PERSONALITY"
	LangSwitch         Name = "LANG_SWITCH"
	ForgetConversation Name = "FORGET_CONVERSATION"
	HeartbeatAdd       Name = "HEARTBEAT_ADD"
	HeartbeatRemove    Name = "HEARTBEAT_REMOVE"
	HeartbeatInterval  Name = "HEARTBEAT_INTERVAL"
	SkillImprove       Name = "SKILL_IMPROVE"
	BugReport          Name = "BUG_REPORT"
	ProjectActivate    Name = "PROJECT_ACTIVATE"
	PurgeFacts         Name = "PURGE_FACTS"
)

var recognized = map[Name]bool{
	Schedule: true, ScheduleAction: true, CancelTask: true, UpdateTask: true,
	Reward: true, Lesson: true, Personality: true, LangSwitch: true,
	ForgetConversation: true, HeartbeatAdd: true, HeartbeatRemove: true,
	HeartbeatInterval: true, SkillImprove: true, BugReport: true,
	ProjectActivate: true, PurgeFacts: true,
}

// Directive is one parsed marker, in the order it appeared in the text.
type Directive struct {
	Name Name
	Args []string
}

// Arg returns the i'th argument, or "" if absent.
func (d Directive) Arg(i int) string {
	if i < 0 || i >= len(d.Args) {
		return ""
	}
	return d.Args[i]
}

// Parse scans raw assistant text line by line. A line matches a marker
// when its leading token (before the first ':') is a recognized,
// case-sensitive marker name; the rest of the line is pipe-split into
// arguments with whitespace trimmed. Unknown leading tokens are left as
// ordinary text (forward-compatible with markers this build doesn't know).
// Returns the cleaned text (all matched marker lines removed) and the
// directives in text order.
func Parse(raw string) (cleaned string, directives []Directive) {
	lines := strings.Split(raw, "\n")
	kept := make([]string, 0, len(lines))
	for _, line := range lines {
		name, rest, ok := splitMarkerLine(line)
		if !ok || !recognized[Name(name)] {
			kept = append(kept, line)
			continue
		}
		var args []string
		if strings.TrimSpace(rest) != "" {
			for _, a := range strings.Split(rest, "|") {
				args = append(args, strings.TrimSpace(a))
			}
		}
		directives = append(directives, Directive{Name: Name(name), Args: args})
	}
	return strings.Join(kept, "\n"), directives
}

// splitMarkerLine splits "NAME: rest" from a (possibly indented) line. The
// name must be all-uppercase/underscore to avoid false positives on
// ordinary sentences that happen to contain a colon.
func splitMarkerLine(line string) (name, rest string, ok bool) {
	trimmed := strings.TrimSpace(line)
	idx := strings.Index(trimmed, ":")
	if idx <= 0 {
		return "", "", false
	}
	candidate := trimmed[:idx]
	for _, r := range candidate {
		if !(r == '_' || (r >= 'A' && r <= 'Z')) {
			return "", "", false
		}
	}
	return candidate, trimmed[idx+1:], true
}
