package format

import "strings"

// Dialect renders markdown primitives the way one chat platform expects
// them. Platform clients expose the dialect matching their server.
type Dialect interface {
	Bold(s string) string
	Italic(s string) string
	Code(s string) string
	CodeBlock(lang, s string) string
	Mention(username string) string
	Link(text, url string) string
	Quote(s string) string
	Heading(s string) string
	Escape(s string) string
}

// MattermostDialect renders standard Mattermost markdown.
type MattermostDialect struct{}

func (MattermostDialect) Bold(s string) string   { return "**" + s + "**" }
func (MattermostDialect) Italic(s string) string { return "*" + s + "*" }
func (MattermostDialect) Code(s string) string   { return "`" + s + "`" }

func (MattermostDialect) CodeBlock(lang, s string) string {
	return "```" + lang + "\n" + strings.TrimRight(s, "\n") + "\n```"
}

func (MattermostDialect) Mention(username string) string { return "@" + username }

func (MattermostDialect) Link(text, url string) string {
	return "[" + text + "](" + url + ")"
}

func (MattermostDialect) Quote(s string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i, line := range lines {
		lines[i] = "> " + line
	}
	return strings.Join(lines, "\n")
}

func (MattermostDialect) Heading(s string) string { return "### " + s }

var mattermostEscaper = strings.NewReplacer(
	"\\", "\\\\",
	"`", "\\`",
	"*", "\\*",
	"_", "\\_",
	"~", "\\~",
	"|", "\\|",
	"[", "\\[",
	"]", "\\]",
)

func (MattermostDialect) Escape(s string) string { return mattermostEscaper.Replace(s) }

// SlackDialect renders Slack mrkdwn. Slack has no headings; bold stands in.
type SlackDialect struct{}

func (SlackDialect) Bold(s string) string   { return "*" + s + "*" }
func (SlackDialect) Italic(s string) string { return "_" + s + "_" }
func (SlackDialect) Code(s string) string   { return "`" + s + "`" }

func (SlackDialect) CodeBlock(lang, s string) string {
	// Slack ignores the language tag.
	return "```" + strings.TrimRight(s, "\n") + "```"
}

func (SlackDialect) Mention(username string) string { return "<@" + username + ">" }

func (SlackDialect) Link(text, url string) string {
	return "<" + url + "|" + text + ">"
}

func (SlackDialect) Quote(s string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i, line := range lines {
		lines[i] = "> " + line
	}
	return strings.Join(lines, "\n")
}

func (d SlackDialect) Heading(s string) string { return d.Bold(s) }

var slackEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
)

func (SlackDialect) Escape(s string) string { return slackEscaper.Replace(s) }
