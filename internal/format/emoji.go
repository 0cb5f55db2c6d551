// Package format provides the pure helpers shared by the bridge: the emoji
// vocabulary used for reaction-driven interactions, markdown rendering per
// chat dialect, and small text utilities.
package format

// Canonical emoji names the bot uses when adding its own option reactions.
const (
	EmojiApprove  = "+1"
	EmojiDeny     = "-1"
	EmojiAllowAll = "white_check_mark"
	EmojiCancel   = "x"
	EmojiPause    = "double_vertical_bar"
)

var numberEmojiNames = [4]string{"one", "two", "three", "four"}

// Unicode keycap variants, as some clients report reactions by glyph rather
// than by name.
var numberEmojiGlyphs = [4]string{"1️⃣", "2️⃣", "3️⃣", "4️⃣"}

// NumberEmoji returns the canonical reaction name for choice n (1-based).
// Returns an empty string when n is out of the supported 1..4 range.
func NumberEmoji(n int) string {
	if n < 1 || n > len(numberEmojiNames) {
		return ""
	}
	return numberEmojiNames[n-1]
}

// IsApprove reports whether the emoji is a thumbs-up approval.
func IsApprove(name string) bool {
	return name == "+1" || name == "thumbsup"
}

// IsDeny reports whether the emoji is a thumbs-down denial.
func IsDeny(name string) bool {
	return name == "-1" || name == "thumbsdown"
}

// IsAllowAll reports whether the emoji is the check mark used for
// "allow all" and "invite" choices.
func IsAllowAll(name string) bool {
	return name == "white_check_mark" || name == "heavy_check_mark"
}

// IsCancel reports whether the emoji requests session cancellation.
func IsCancel(name string) bool {
	switch name {
	case "x", "octagonal_sign", "stop_sign":
		return true
	}
	return false
}

// IsPause reports whether the emoji requests an interrupt of the current
// turn without ending the session.
func IsPause(name string) bool {
	return name == "double_vertical_bar" || name == "pause_button"
}

// NumberChoice maps a numbered-choice emoji to its 1-based index. Returns 0
// when the emoji is not a supported number. Both the named forms (one..four)
// and the Unicode keycap forms are accepted.
func NumberChoice(name string) int {
	for i, n := range numberEmojiNames {
		if name == n {
			return i + 1
		}
	}
	for i, g := range numberEmojiGlyphs {
		if name == g {
			return i + 1
		}
	}
	return 0
}
