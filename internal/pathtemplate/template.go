// Package pathtemplate compiles the tag-based path template grammar of
// spec.md §4.3 into a deterministic relative path per instance. Compiled
// templates are cached by template string; compilation and evaluation are
// both safe for concurrent re-entry.
package pathtemplate

import (
	"crypto/md5"
	"encoding/base32"
	"fmt"
	"math/rand"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultTemplate is the template used when a volume does not override it.
const DefaultTemplate = "{now,date,yyyy/MM/dd}/{0020000D,hash}/{0020000E,hash}/{00080018,hash}"

// RequiredTag is the tag every template must reference — uniqueness per
// instance depends on it.
const RequiredTag = "00080018"

// Attributes is the tag-value lookup a compiled template evaluates against.
// internal/dicomio.Metadata implements this.
type Attributes interface {
	TagValue(tag string) (string, bool)
}

var placeholderPattern = regexp.MustCompile(`\{([^}]*)\}`)

// segment is one literal-or-placeholder chunk of a compiled template.
type segment struct {
	literal string
	eval    func(Attributes, time.Time) string
}

// Template is a compiled path template.
type Template struct {
	raw      string
	segments []segment
}

var (
	cacheMu sync.RWMutex
	cache   = map[string]*Template{}
)

// Compile parses raw into a Template, validating that it references
// RequiredTag, and caches the result by raw template string.
func Compile(raw string) (*Template, error) {
	cacheMu.RLock()
	if t, ok := cache[raw]; ok {
		cacheMu.RUnlock()
		return t, nil
	}
	cacheMu.RUnlock()

	if !strings.Contains(raw, RequiredTag) {
		return nil, fmt.Errorf("template %q does not reference required tag %s", raw, RequiredTag)
	}

	t := &Template{raw: raw}
	last := 0
	for _, m := range placeholderPattern.FindAllStringSubmatchIndex(raw, -1) {
		start, end := m[0], m[1]
		innerStart, innerEnd := m[2], m[3]
		if start > last {
			t.segments = append(t.segments, segment{literal: raw[last:start]})
		}
		inner := raw[innerStart:innerEnd]
		fn, err := compilePlaceholder(inner)
		if err != nil {
			return nil, fmt.Errorf("placeholder %q: %w", inner, err)
		}
		t.segments = append(t.segments, segment{eval: fn})
		last = end
	}
	if last < len(raw) {
		t.segments = append(t.segments, segment{literal: raw[last:]})
	}

	cacheMu.Lock()
	cache[raw] = t
	cacheMu.Unlock()
	return t, nil
}

// Resolve evaluates the template against attrs at ingest time now, and
// prefixes the result with the tenant code, per spec.md §4.3.
func (t *Template) Resolve(tenantCode string, attrs Attributes, now time.Time) string {
	var b strings.Builder
	b.WriteString(tenantCode)
	b.WriteByte('/')
	for _, s := range t.segments {
		if s.eval != nil {
			b.WriteString(s.eval(attrs, now))
		} else {
			b.WriteString(s.literal)
		}
	}
	return b.String()
}

func compilePlaceholder(inner string) (func(Attributes, time.Time) string, error) {
	parts := strings.Split(inner, ",")
	head := parts[0]

	switch head {
	case "now":
		return compileNow(parts[1:])
	case "rnd":
		return compileRnd(parts[1:])
	default:
		return compileTag(head, parts[1:])
	}
}

func compileTag(tag string, fnArgs []string) (func(Attributes, time.Time) string, error) {
	if len(tag) != 8 {
		return nil, fmt.Errorf("tag %q must be 8 hex digits", tag)
	}
	if len(fnArgs) == 0 {
		return func(a Attributes, _ time.Time) string {
			v, ok := a.TagValue(tag)
			if !ok {
				return ""
			}
			return v
		}, nil
	}

	fname := fnArgs[0]
	rest := fnArgs[1:]

	switch fname {
	case "hash":
		return func(a Attributes, _ time.Time) string {
			v, ok := a.TagValue(tag)
			if !ok {
				return ""
			}
			return fmt.Sprintf("%08x", javaHashCode(v))
		}, nil
	case "md5":
		return func(a Attributes, _ time.Time) string {
			v, ok := a.TagValue(tag)
			if !ok {
				return ""
			}
			return md5Base32(v)
		}, nil
	case "urlencoded":
		return func(a Attributes, _ time.Time) string {
			v, ok := a.TagValue(tag)
			if !ok {
				return ""
			}
			return url.QueryEscape(v)
		}, nil
	case "upper":
		return func(a Attributes, _ time.Time) string {
			v, _ := a.TagValue(tag)
			return strings.ToUpper(v)
		}, nil
	case "number":
		return func(a Attributes, _ time.Time) string {
			v, ok := a.TagValue(tag)
			if !ok {
				return "0"
			}
			n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
			if err != nil {
				return "0"
			}
			return strconv.FormatInt(n, 10)
		}, nil
	case "offset":
		if len(rest) < 1 {
			return nil, fmt.Errorf("offset requires an argument")
		}
		n, err := strconv.Atoi(rest[0])
		if err != nil {
			return nil, fmt.Errorf("offset argument: %w", err)
		}
		return func(a Attributes, _ time.Time) string {
			v, ok := a.TagValue(tag)
			if !ok {
				return "0"
			}
			if n >= len(v) {
				return ""
			}
			if n < 0 {
				n = 0
			}
			return v[n:]
		}, nil
	case "slice":
		if len(rest) < 1 {
			return nil, fmt.Errorf("slice requires at least a start argument")
		}
		start, err := strconv.Atoi(rest[0])
		if err != nil {
			return nil, fmt.Errorf("slice start: %w", err)
		}
		hasEnd := len(rest) >= 2
		var end int
		if hasEnd {
			end, err = strconv.Atoi(rest[1])
			if err != nil {
				return nil, fmt.Errorf("slice end: %w", err)
			}
		}
		return func(a Attributes, _ time.Time) string {
			v, ok := a.TagValue(tag)
			if !ok {
				return ""
			}
			e := len(v)
			if hasEnd {
				e = end
			}
			return sliceString(v, start, e)
		}, nil
	default:
		return nil, fmt.Errorf("unknown tag function %q", fname)
	}
}

func compileNow(args []string) (func(Attributes, time.Time) string, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("{now} requires date or time")
	}
	kindAndPeriod := args[0]
	if len(args) < 2 {
		return nil, fmt.Errorf("{now,%s} requires a format argument", kindAndPeriod)
	}
	format := args[1]

	kind := kindAndPeriod
	var period string
	if idx := strings.IndexByte(kindAndPeriod, '-'); idx >= 0 {
		kind = kindAndPeriod[:idx]
		period = kindAndPeriod[idx+1:]
	}

	goFormat := toGoTimeFormat(format)

	return func(_ Attributes, now time.Time) string {
		t := now
		if period != "" {
			t = applyISO8601Period(t, period)
		}
		switch kind {
		case "date", "time":
			return t.Format(goFormat)
		default:
			return t.Format(goFormat)
		}
	}, nil
}

func compileRnd(args []string) (func(Attributes, time.Time) string, error) {
	variant := ""
	if len(args) > 0 {
		variant = args[0]
	}
	switch variant {
	case "", "plain":
		return func(_ Attributes, _ time.Time) string {
			return fmt.Sprintf("%08x", rand.Uint32())
		}, nil
	case "uuid":
		return func(_ Attributes, _ time.Time) string {
			return uuid.New().String()
		}, nil
	case "uid":
		return func(_ Attributes, _ time.Time) string {
			return strings.ReplaceAll(uuid.New().String(), "-", "")
		}, nil
	default:
		return nil, fmt.Errorf("unknown rnd variant %q", variant)
	}
}

// javaHashCode emulates java.lang.String#hashCode: a 32-bit signed value
// computed as s[0]*31^(n-1) + ... + s[n-1], wrapping on int32 overflow.
func javaHashCode(s string) int32 {
	var h int32
	for _, r := range s {
		h = 31*h + int32(r)
	}
	return h
}

var md5b32 = base32.NewEncoding("0123456789abcdefghijklmnopqrstuv").WithPadding(base32.NoPadding)

// md5Base32 renders the MD5 digest of s as 26 base32 characters over the
// alphabet 0-9a-v (RFC 4648 "base32hex", lowercased).
func md5Base32(s string) string {
	sum := md5.Sum([]byte(s))
	return md5b32.EncodeToString(sum[:])
}

// sliceString applies Python-style slice semantics with negative-index
// support to s.
func sliceString(s string, start, end int) string {
	n := len(s)
	start = normalizeIndex(start, n)
	end = normalizeIndex(end, n)
	if start > end {
		return ""
	}
	return s[start:end]
}

func normalizeIndex(i, n int) int {
	if i < 0 {
		i += n
	}
	if i < 0 {
		i = 0
	}
	if i > n {
		i = n
	}
	return i
}

// toGoTimeFormat converts a small subset of Java/ICU-style date patterns
// (yyyy, MM, dd, HH, mm, ss) to Go's reference-time layout.
func toGoTimeFormat(pattern string) string {
	replacer := strings.NewReplacer(
		"yyyy", "2006",
		"MM", "01",
		"dd", "02",
		"HH", "15",
		"mm", "04",
		"ss", "05",
	)
	return replacer.Replace(pattern)
}

var periodPattern = regexp.MustCompile(`^P(?:(\d+)Y)?(?:(\d+)M)?(?:(\d+)D)?$`)

// applyISO8601Period adds a date-only ISO-8601 period (PnYnMnD) to t.
func applyISO8601Period(t time.Time, period string) time.Time {
	m := periodPattern.FindStringSubmatch(period)
	if m == nil {
		return t
	}
	years, _ := strconv.Atoi(m[1])
	months, _ := strconv.Atoi(m[2])
	days, _ := strconv.Atoi(m[3])
	return t.AddDate(years, months, days)
}
