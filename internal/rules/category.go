package rules

import (
	"regexp"
	"slices"
	"strings"
)

// Category groups rules by what they restrict.
type Category string

const (
	CategoryMessage        Category = "message"
	CategoryTimeWindow     Category = "time_window"
	CategoryForbiddenWords Category = "forbidden_words"
	CategoryMemberRemoval  Category = "member_removal"
	CategoryRoleGated      Category = "role_gated"
	CategoryFileSize       Category = "file_size"
	// CategoryExpression marks rules written as a "cel:" expression.
	CategoryExpression Category = "expression"
)

// Categories lists every category in display order.
func Categories() []Category {
	return []Category{
		CategoryMessage, CategoryTimeWindow, CategoryForbiddenWords,
		CategoryMemberRemoval, CategoryRoleGated, CategoryFileSize,
		CategoryExpression,
	}
}

var (
	clockRe = regexp.MustCompile(`\b\d{1,2}:\d{2}\b`)
	sizeRe  = regexp.MustCompile(`(?i)\b\d+(\.\d+)?\s*(b|kb|mb|gb|kib|mib|gib)\b`)
)

// Categorize guesses a category from rule text. It only looks for
// keywords; anything unrecognized is a message rule.
func Categorize(text string) Category {
	lower := strings.ToLower(strings.TrimSpace(text))
	has := func(words ...string) bool {
		return slices.ContainsFunc(words, func(w string) bool { return strings.Contains(lower, w) })
	}

	switch {
	case strings.HasPrefix(lower, "cel:"):
		return CategoryExpression
	case has("file", "upload", "attachment") && sizeRe.MatchString(lower):
		return CategoryFileSize
	case len(clockRe.FindAllString(lower, -1)) >= 2 || has("quiet hours", "curfew"):
		return CategoryTimeWindow
	case has("forbidden", "banned word", "blocked word", "don't say", "do not say", "not allowed to say"):
		return CategoryForbiddenWords
	case has("remove", "kick", "ban ") && has("cannot", "can't", "may not", "must not", "only", "protected"):
		return CategoryMemberRemoval
	case strings.HasPrefix(lower, "only ") || has(" only "):
		return CategoryRoleGated
	default:
		return CategoryMessage
	}
}
