// Package validator rejects anything but read-only analytical queries.
//
// It is a conservative denylist over the query's surface syntax, not a
// parser: false positives are acceptable, false negatives are the risk being
// managed. All functions are pure and safe for concurrent use.
package validator

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// MaxQueryLength is the maximum query length in characters.
const MaxQueryLength = 10000

// Rule identifiers reported on each Violation.
const (
	RuleEmpty             = "empty"
	RuleTooLong           = "too_long"
	RuleMultipleStatement = "multiple_statements"
	RuleNotReadOnly       = "not_read_only"
	RuleKeyword           = "dangerous_keyword"
	RuleFunction          = "dangerous_function"
	RuleSystemTable       = "system_table"
	RuleBlockedConstruct  = "blocked_construct"
	RuleQuotedKeyword     = "quoted_keyword"
	RuleInjection         = "injection_pattern"
)

// Violation is one reason a query was rejected.
type Violation struct {
	Rule    string `json:"rule"`
	Match   string `json:"match,omitempty"`
	Message string `json:"message"`
}

// Result is the outcome of validating a query.
type Result struct {
	Valid      bool        `json:"valid"`
	Violations []Violation `json:"violations,omitempty"`
}

// Reasons returns the human-readable rejection reasons in order.
func (r Result) Reasons() []string {
	out := make([]string, 0, len(r.Violations))
	for _, v := range r.Violations {
		out = append(out, v.Message)
	}
	return out
}

// Error joins the rejection reasons. Empty for a valid result.
func (r Result) Error() string {
	return strings.Join(r.Reasons(), "; ")
}

// MutatingKeywords are data- or schema-changing statements that are never
// allowed anywhere in a query, including comments.
var MutatingKeywords = []string{
	"DROP", "DELETE", "TRUNCATE", "ALTER", "CREATE", "INSERT", "UPDATE",
	"GRANT", "REVOKE", "EXEC", "EXECUTE", "MERGE", "REPLACE",
}

// DangerousFunctions can reach the network, the filesystem, or consume
// unbounded resources on the engine.
var DangerousFunctions = []string{
	// remote fetch
	"url", "urlCluster", "s3", "s3Cluster", "gcs", "azureBlobStorage", "hdfs",
	"remote", "remoteSecure", "mysql", "postgresql", "mongodb", "jdbc", "odbc", "redis",
	// file access
	"file", "input", "executable", "load_file",
	// resource consumption
	"sleep", "sleepEachRow", "rand", "random", "randomString", "randomPrintableASCII",
	"generateRandom", "numbers", "numbers_mt", "zeros", "zeros_mt", "generate_series",
}

// SystemNamespaces are catalog prefixes that expose engine metadata.
var SystemNamespaces = []string{"system", "information_schema", "pg_catalog"}

type pattern struct {
	re      *regexp.Regexp
	rule    string
	message string
}

var (
	fullwidthReplacer = strings.NewReplacer("；", ";", "（", "(", "）", ")")

	multiStatementRe = regexp.MustCompile(`;\s*\S`)
	readOnlyStartRe  = regexp.MustCompile(`(?i)^(SELECT\b|WITH\b|\(SELECT\b)`)

	keywordRe       = regexp.MustCompile(`(?i)\b(` + strings.Join(MutatingKeywords, "|") + `)\b`)
	quotedKeywordRe = regexp.MustCompile("(?i)[`\"]\\s*(" + strings.Join(MutatingKeywords, "|") + ")\\s*[`\"]")
	functionRe      = regexp.MustCompile(`(?i)\b(` + strings.Join(DangerousFunctions, "|") + `)\s*\(`)
	systemTableRe   = regexp.MustCompile(`(?i)\b(` + strings.Join(SystemNamespaces, "|") + `)\s*\.`)

	blockedConstructs = []pattern{
		{regexp.MustCompile(`(?i)\bARRAY\s+JOIN\b`), RuleBlockedConstruct, "ARRAY JOIN is not allowed"},
	}

	contentInjectionPatterns = []pattern{
		{regexp.MustCompile(`(?i)\bUNION\s+(ALL\s+|DISTINCT\s+)?SELECT\b`), RuleInjection, "UNION SELECT is not allowed"},
		{regexp.MustCompile(`(?i)\bCROSS\s+JOIN\b`), RuleInjection, "CROSS JOIN is not allowed"},
		{regexp.MustCompile(`(?i)\bOR\s+1\s*=\s*1\b`), RuleInjection, "tautology OR 1=1 is not allowed"},
		{regexp.MustCompile(`(?i)\bOR\s+TRUE\b`), RuleInjection, "tautology OR TRUE is not allowed"},
		{regexp.MustCompile(`(?i)\bOR\s+'([^']*)'\s*=\s*'([^']*)'`), RuleInjection, "string tautology is not allowed"},
		{regexp.MustCompile(`(?i)\bINTO\s+(OUTFILE|DUMPFILE)\b`), RuleInjection, "INTO OUTFILE is not allowed"},
		{regexp.MustCompile(`(?i)\bLOAD_FILE\b`), RuleInjection, "LOAD_FILE is not allowed"},
	}

	// Checked against the pre-strip text: stripping comments would erase a
	// quote-then-comment sequence before it could be seen.
	rawInjectionPatterns = []pattern{
		{regexp.MustCompile(`'\s*(--|/\*|#)`), RuleInjection, "string terminator followed by a comment is not allowed"},
	}

	whitespaceRe = regexp.MustCompile(`\s+`)
)

// Validate checks text and reports every reason it is unsafe to run.
//
// Structural checks (empty, length, multiple statements, read-only prefix)
// stop at the first failure; content checks run to completion so the caller
// sees everything wrong with the query at once.
func Validate(text string) Result {
	if strings.TrimSpace(text) == "" {
		return reject(Violation{Rule: RuleEmpty, Message: "query is empty"})
	}
	if utf8.RuneCountInString(text) > MaxQueryLength {
		return reject(Violation{Rule: RuleTooLong, Message: "query exceeds maximum length of 10000 characters"})
	}

	raw := NormalizePunctuation(text)
	stripped := strings.TrimSpace(StripComments(raw))

	if stripped == "" {
		return reject(Violation{Rule: RuleEmpty, Message: "query is empty"})
	}
	// Content checks also see raw: a marker the scanner reads as a comment
	// may be literal text to the engine's dialect, or the reverse.
	if multiStatementRe.MatchString(stripped) || multiStatementRe.MatchString(raw) {
		return reject(Violation{Rule: RuleMultipleStatement, Message: "multiple statements are not allowed"})
	}
	if !readOnlyStartRe.MatchString(stripped) {
		return reject(Violation{Rule: RuleNotReadOnly, Message: "only SELECT and WITH queries are allowed"})
	}

	var vs []Violation

	for _, kw := range findAll(keywordRe, strings.ToUpper, stripped, raw) {
		vs = append(vs, Violation{Rule: RuleKeyword, Match: kw, Message: "dangerous keyword " + kw + " is not allowed"})
	}
	for _, fn := range findAll(functionRe, nil, stripped, raw) {
		vs = append(vs, Violation{Rule: RuleFunction, Match: fn, Message: "function " + fn + "() is not allowed"})
	}
	for _, ns := range findAll(systemTableRe, strings.ToLower, stripped, raw) {
		vs = append(vs, Violation{Rule: RuleSystemTable, Match: ns, Message: "access to " + ns + " tables is not allowed"})
	}
	vs = append(vs, matchPatterns(blockedConstructs, stripped, raw)...)
	for _, kw := range findAll(quotedKeywordRe, strings.ToUpper, stripped, raw) {
		vs = append(vs, Violation{Rule: RuleQuotedKeyword, Match: kw, Message: "quoted keyword " + kw + " is not allowed"})
	}
	vs = append(vs, matchPatterns(contentInjectionPatterns, stripped, raw)...)
	vs = append(vs, matchPatterns(rawInjectionPatterns, raw)...)

	if len(vs) == 0 {
		return Result{Valid: true}
	}
	return reject(vs...)
}

// NormalizePunctuation maps the fullwidth semicolon and parentheses to ASCII.
func NormalizePunctuation(text string) string {
	return fullwidthReplacer.Replace(text)
}

// StripComments removes block and line comments, replacing each with a space
// so tokens on either side are not joined. It scans left to right, so the
// earlier of "--" and "/*" wins, and comment markers inside '...', "...",
// `...` or $$...$$ literals are kept as text. An unterminated block comment
// or literal runs to the end of the text.
func StripComments(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for i := 0; i < len(text); {
		switch {
		case strings.HasPrefix(text[i:], "--"):
			if end := strings.IndexByte(text[i:], '\n'); end >= 0 {
				i += end
			} else {
				i = len(text)
			}
			b.WriteByte(' ')
		case strings.HasPrefix(text[i:], "/*"):
			if end := strings.Index(text[i+2:], "*/"); end >= 0 {
				i += 2 + end + 2
			} else {
				i = len(text)
			}
			b.WriteByte(' ')
		case strings.HasPrefix(text[i:], "$$"):
			end := len(text)
			if j := strings.Index(text[i+2:], "$$"); j >= 0 {
				end = i + 2 + j + 2
			}
			b.WriteString(text[i:end])
			i = end
		case text[i] == '\'' || text[i] == '"' || text[i] == '`':
			end := literalEnd(text, i)
			b.WriteString(text[i:end])
			i = end
		default:
			b.WriteByte(text[i])
			i++
		}
	}
	return b.String()
}

// literalEnd returns the index just past the literal opening at start. A
// backslash escapes the next byte; a doubled quote closes and reopens, which
// scans the same.
func literalEnd(text string, start int) int {
	q := text[start]
	for j := start + 1; j < len(text); j++ {
		switch text[j] {
		case '\\':
			j++
		case q:
			return j + 1
		}
	}
	return len(text)
}

// findAll returns the first capture group of every match of re in the given
// texts, passed through fold when set and deduplicated case-insensitively in
// order of first appearance.
func findAll(re *regexp.Regexp, fold func(string) string, texts ...string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, text := range texts {
		for _, m := range re.FindAllStringSubmatch(text, -1) {
			name := m[1]
			if fold != nil {
				name = fold(name)
			}
			key := strings.ToUpper(name)
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, name)
		}
	}
	return out
}

// matchPatterns reports each pattern at most once, from the first text it
// matches.
func matchPatterns(patterns []pattern, texts ...string) []Violation {
	var out []Violation
	for _, p := range patterns {
		for _, text := range texts {
			if m := p.re.FindString(text); m != "" {
				out = append(out, Violation{Rule: p.rule, Match: whitespaceRe.ReplaceAllString(m, " "), Message: p.message})
				break
			}
		}
	}
	return out
}

// reject builds a failed Result, dropping violations whose message repeats.
func reject(vs ...Violation) Result {
	out := make([]Violation, 0, len(vs))
	seen := make(map[string]bool, len(vs))
	for _, v := range vs {
		if seen[v.Message] {
			continue
		}
		seen[v.Message] = true
		out = append(out, v)
	}
	return Result{Valid: false, Violations: out}
}
