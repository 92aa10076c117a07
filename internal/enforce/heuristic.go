package enforce

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/gezibash/clan/internal/roster"
	"github.com/gezibash/clan/internal/rules"
)

// Heuristic matches rule text against keyword patterns per category. It
// understands the phrasing of the built-in templates and close variants;
// rules it cannot parse never deny.
type Heuristic struct {
	now func() time.Time
}

// NewHeuristic returns the keyword evaluator.
func NewHeuristic() *Heuristic {
	return &Heuristic{now: time.Now}
}

var (
	linkRe      = regexp.MustCompile(`(?i)\bhttps?://|\bwww\.[a-z0-9-]+\.`)
	charsRe     = regexp.MustCompile(`(?i)(\d+)\s*(?:char|character)`)
	clockRe     = regexp.MustCompile(`\b(\d{1,2}):(\d{2})\b`)
	sizeRe      = regexp.MustCompile(`(?i)\b(\d+(?:\.\d+)?)\s*(b|kb|mb|gb|kib|mib|gib)\b`)
	roleWord    = `(members?|moderators?|mods?|elders?|founders?)`
	onlyRoleRe  = regexp.MustCompile(`(?i)\bonly\s+(?:the\s+)?` + roleWord + `\s+(?:may|can|are allowed to)\s+(?:say|post|use|send|mention|write)\s+(.+)$`)
	onlyRemover = regexp.MustCompile(`(?i)\bonly\s+(?:the\s+)?` + roleWord + `\s+(?:may|can)\s+(?:remove|kick|ban)`)
	protectedRe = regexp.MustCompile(`(?i)\b` + roleWord + `\s+(?:cannot|can't|may not|must not)\s+be\s+(?:removed|kicked|banned)`)
)

// Evaluate implements Evaluator.
func (h *Heuristic) Evaluate(_ context.Context, ruleText string, action Action, actx *Context) (*Denial, error) {
	cat := rules.Categorize(ruleText)
	var reason string
	switch cat {
	case rules.CategoryMessage:
		reason = h.message(ruleText, action, actx)
	case rules.CategoryTimeWindow:
		reason = h.timeWindow(ruleText, action, actx)
	case rules.CategoryForbiddenWords:
		reason = h.forbiddenWords(ruleText, action, actx)
	case rules.CategoryMemberRemoval:
		reason = h.memberRemoval(ruleText, action, actx)
	case rules.CategoryRoleGated:
		reason = h.roleGated(ruleText, action, actx)
	case rules.CategoryFileSize:
		reason = h.fileSize(ruleText, action, actx)
	default:
		return nil, fmt.Errorf("heuristic cannot evaluate %s rules", cat)
	}
	if reason == "" {
		return nil, nil
	}
	return &Denial{Category: cat, Reason: reason}, nil
}

func (h *Heuristic) message(text string, action Action, actx *Context) string {
	if action != ActionSendMessage {
		return ""
	}
	lower := strings.ToLower(text)
	switch {
	case containsAny(lower, "link", "url") && linkRe.MatchString(actx.Content):
		return "links are not allowed"
	case containsAny(lower, "caps", "capital", "shouting") && shouting(actx.Content):
		return "messages in all capitals are not allowed"
	case containsAny(lower, "read-only", "read only") && rank(actx.ActorRole) < rank(roster.RoleModerator):
		return "the group is read-only"
	}
	if m := charsRe.FindStringSubmatch(text); m != nil {
		limit, err := strconv.Atoi(m[1])
		if err == nil && len([]rune(actx.Content)) > limit {
			return fmt.Sprintf("message exceeds %d characters", limit)
		}
	}
	return ""
}

func (h *Heuristic) timeWindow(text string, action Action, actx *Context) string {
	if action != ActionSendMessage && action != ActionUploadFile {
		return ""
	}
	clocks := clockRe.FindAllStringSubmatch(text, 2)
	if len(clocks) < 2 {
		return ""
	}
	start, ok1 := minuteOfDay(clocks[0])
	end, ok2 := minuteOfDay(clocks[1])
	if !ok1 || !ok2 || start == end {
		return ""
	}

	at := actx.At
	if at.IsZero() {
		at = h.now()
	}
	m := at.Hour()*60 + at.Minute()
	inside := m >= start && m < end
	if start > end {
		inside = m >= start || m < end
	}
	if !inside {
		return ""
	}
	return fmt.Sprintf("not allowed between %s and %s", clocks[0][0], clocks[1][0])
}

func minuteOfDay(m []string) (int, bool) {
	hh, err1 := strconv.Atoi(m[1])
	mm, err2 := strconv.Atoi(m[2])
	if err1 != nil || err2 != nil || hh > 23 || mm > 59 {
		return 0, false
	}
	return hh*60 + mm, true
}

func (h *Heuristic) forbiddenWords(text string, action Action, actx *Context) string {
	if action != ActionSendMessage {
		return ""
	}
	list := text
	if i := strings.Index(text, ":"); i >= 0 {
		list = text[i+1:]
	}
	tokens := words(actx.Content)
	for _, w := range strings.FieldsFunc(list, func(r rune) bool { return r == ',' || r == ';' }) {
		w = strings.ToLower(strings.Trim(strings.TrimSpace(w), `"'`))
		w = strings.TrimPrefix(w, "and ")
		w = strings.TrimPrefix(w, "or ")
		if w == "" {
			continue
		}
		if isWord(w) {
			if tokens[w] {
				return fmt.Sprintf("message contains forbidden word %q", w)
			}
		} else if strings.Contains(strings.ToLower(actx.Content), w) {
			return fmt.Sprintf("message contains forbidden phrase %q", w)
		}
	}
	return ""
}

func (h *Heuristic) memberRemoval(text string, action Action, actx *Context) string {
	if action != ActionRemoveMember {
		return ""
	}
	if m := onlyRemover.FindStringSubmatch(text); m != nil {
		need := parseRole(m[1])
		if rank(actx.ActorRole) < rank(need) {
			return fmt.Sprintf("only %ss may remove members", need)
		}
		return ""
	}
	if m := protectedRe.FindStringSubmatch(text); m != nil {
		protected := parseRole(m[1])
		if rank(actx.TargetRole) >= rank(protected) {
			return fmt.Sprintf("%ss cannot be removed", protected)
		}
	}
	return ""
}

func (h *Heuristic) roleGated(text string, action Action, actx *Context) string {
	if action != ActionSendMessage {
		return ""
	}
	m := onlyRoleRe.FindStringSubmatch(strings.TrimSpace(text))
	if m == nil {
		return ""
	}
	need := parseRole(m[1])
	phrase := strings.ToLower(strings.Trim(strings.TrimSpace(m[2]), `."'`))
	if phrase == "" || !strings.Contains(strings.ToLower(actx.Content), phrase) {
		return ""
	}
	if rank(actx.ActorRole) >= rank(need) {
		return ""
	}
	return fmt.Sprintf("only %ss may say %q", need, phrase)
}

func (h *Heuristic) fileSize(text string, action Action, actx *Context) string {
	if action != ActionUploadFile {
		return ""
	}
	m := sizeRe.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	limit, ok := parseSize(m[1], m[2])
	if !ok || actx.FileSize <= limit {
		return ""
	}
	return fmt.Sprintf("file exceeds %s", strings.TrimSpace(m[0]))
}

func parseSize(num, unit string) (int64, bool) {
	f, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0, false
	}
	mult := map[string]float64{
		"b": 1, "kb": 1e3, "mb": 1e6, "gb": 1e9,
		"kib": 1 << 10, "mib": 1 << 20, "gib": 1 << 30,
	}[strings.ToLower(unit)]
	return int64(f * mult), mult > 0
}

func parseRole(s string) roster.Role {
	s = strings.TrimSuffix(strings.ToLower(s), "s")
	switch s {
	case "founder":
		return roster.RoleFounder
	case "elder":
		return roster.RoleElder
	case "moderator", "mod":
		return roster.RoleModerator
	default:
		return roster.RoleMember
	}
}

func rank(r roster.Role) int {
	switch r {
	case roster.RoleFounder:
		return 3
	case roster.RoleElder:
		return 2
	case roster.RoleModerator:
		return 1
	case roster.RoleMember:
		return 0
	default:
		return -1
	}
}

func shouting(s string) bool {
	letters := 0
	for _, r := range s {
		if unicode.IsLower(r) {
			return false
		}
		if unicode.IsUpper(r) {
			letters++
		}
	}
	return letters >= 5
}

func words(s string) map[string]bool {
	out := map[string]bool{}
	for _, w := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		out[w] = true
	}
	return out
}

func isWord(s string) bool {
	for _, r := range s {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
