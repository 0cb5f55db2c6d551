package worktree

import (
	"crypto/rand"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"unicode"

	"github.com/lithammer/shortuuid/v4"
)

// DefaultBranchPrefix namespaces branches created by the bridge.
const DefaultBranchPrefix = "threadbridge/"

// Config holds configuration for the worktree manager.
type Config struct {
	// Enabled controls whether worktree prompts and commands are active.
	Enabled bool `mapstructure:"enabled"`

	// BasePath is the base directory for worktree checkouts.
	// Supports ~ expansion for home directory.
	// Default: ~/.threadbridge/worktrees
	BasePath string `mapstructure:"basePath"`

	// BranchPrefix is the prefix used for generated branch names.
	// Default: threadbridge/
	BranchPrefix string `mapstructure:"branchPrefix"`
}

// Validate fills in defaults and returns an error if the config is invalid.
func (c *Config) Validate() error {
	if c.BranchPrefix == "" {
		c.BranchPrefix = DefaultBranchPrefix
	}
	if c.BasePath == "" {
		c.BasePath = "~/.threadbridge/worktrees"
	}
	return ValidateBranchName(strings.TrimSuffix(c.BranchPrefix, "/"))
}

// ExpandedBasePath returns the base path with ~ expanded to the user's home directory.
func (c *Config) ExpandedBasePath() (string, error) {
	path := c.BasePath
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[2:])
	}
	return path, nil
}

// CheckoutPath returns the directory for a new worktree of the given
// repository and branch. Format: {base}/{repoName}_{sanitizedBranch}_{suffix}.
func (c *Config) CheckoutPath(repoRoot, branch string) (string, error) {
	basePath, err := c.ExpandedBasePath()
	if err != nil {
		return "", err
	}
	name := SanitizeForPath(strings.TrimPrefix(branch, c.BranchPrefix), 40)
	if name == "" {
		name = "work"
	}
	dir := filepath.Base(repoRoot) + "_" + name + "_" + SmallSuffix(3)
	return filepath.Join(basePath, dir), nil
}

// GenerateBranch returns a fresh prefixed branch name with a random short id.
func (c *Config) GenerateBranch() string {
	return c.BranchPrefix + strings.ToLower(shortuuid.New()[:6])
}

// SanitizeForPath converts arbitrary text into a safe directory name component.
// Lowercases, replaces non-alphanumerics with hyphens, collapses runs and
// trims to maxLen.
func SanitizeForPath(text string, maxLen int) string {
	if text == "" {
		return ""
	}

	result := strings.ToLower(text)

	var sb strings.Builder
	for _, r := range result {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			sb.WriteRune(r)
		} else {
			sb.WriteRune('-')
		}
	}
	result = sb.String()

	re := regexp.MustCompile(`-+`)
	result = re.ReplaceAllString(result, "-")
	result = strings.Trim(result, "-")

	if len(result) > maxLen {
		result = result[:maxLen]
		result = strings.TrimRight(result, "-")
	}

	return result
}

const branchSuffixAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// SmallSuffix returns a random suffix capped at 3 characters.
func SmallSuffix(maxLen int) string {
	if maxLen <= 0 {
		return ""
	}
	if maxLen > 3 {
		maxLen = 3
	}
	buf := make([]byte, maxLen)
	if _, err := rand.Read(buf); err != nil {
		return strings.Repeat("x", maxLen)
	}
	for i := range buf {
		buf[i] = branchSuffixAlphabet[int(buf[i])%len(branchSuffixAlphabet)]
	}
	return string(buf)
}

// ValidateBranchName enforces the posix git-check-ref-format rules that
// apply to branch names.
func ValidateBranchName(name string) error {
	if name == "" || name == "@" {
		return ErrInvalidBranch
	}
	if strings.HasPrefix(name, "-") || strings.HasPrefix(name, "/") || strings.HasSuffix(name, "/") {
		return ErrInvalidBranch
	}
	if strings.HasSuffix(name, ".") || strings.HasSuffix(name, ".lock") {
		return ErrInvalidBranch
	}
	if strings.Contains(name, "//") || strings.Contains(name, "..") || strings.Contains(name, "@{") {
		return ErrInvalidBranch
	}
	for _, r := range name {
		if r < 0x20 || r == 0x7f {
			return ErrInvalidBranch
		}
		switch r {
		case ' ', '~', '^', ':', '?', '*', '[', '\\':
			return ErrInvalidBranch
		}
	}
	for _, part := range strings.Split(name, "/") {
		if strings.HasPrefix(part, ".") || strings.HasSuffix(part, ".lock") {
			return ErrInvalidBranch
		}
	}
	return nil
}
