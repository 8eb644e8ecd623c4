// Package expr implements the pattern matcher used throughout the
// profile-path engine to test connection and profile strings (remote host,
// local address, serverName, profile URI) against configured patterns.
package expr

import (
	"regexp"
	"strings"

	cerrors "turbulenced/errors"
)

// Kind classifies how a compiled Expr evaluates its input.
type Kind int

const (
	// KindLiteral matches only the exact original text.
	KindLiteral Kind = iota
	// KindRegex matches via the compiled regular expression.
	KindRegex
	// KindNegated wraps another kind and inverts the result.
	KindNegated
)

// HasRegexSupport reports whether this build can compile regular
// expressions. Go's regexp package is always linked, so this is always
// true; the flag exists for parity with runtimes where PCRE support can be
// absent at compile time, and is kept as part of the public API rather than
// removed so callers can write the same capability check either way.
const HasRegexSupport = true

// Expr is a compiled pattern. The zero value is not valid; use Compile.
type Expr struct {
	text  string
	kind  Kind
	re    *regexp.Regexp
	inner *Expr
}

// Text returns the original, uncompiled pattern text (including any leading
// "!" negation marker).
func (e *Expr) Text() string {
	if e == nil {
		return ""
	}
	return e.text
}

// Kind returns the expression's match strategy.
func (e *Expr) Kind() Kind {
	if e == nil {
		return KindLiteral
	}
	return e.kind
}

// Compile parses and compiles text into an Expr. A leading "!" negates the
// remainder of the pattern. The remainder is compiled as a regular
// expression; if it fails to compile as a regex, Compile falls back to an
// exact-string match rather than rejecting the pattern outright, mirroring
// how permissive the original profile-path matcher is about loosely-typed
// configuration text.
func Compile(text string) (*Expr, error) {
	if text == "" {
		return nil, cerrors.New(cerrors.ErrConfigInvalid, "expr.Compile", "pattern must not be empty")
	}

	negated := false
	body := text
	if strings.HasPrefix(body, "!") {
		negated = true
		body = body[1:]
	}

	inner, err := compileBody(body)
	if err != nil {
		return nil, cerrors.Wrap(err, cerrors.ErrConfigInvalid, "expr.Compile")
	}

	if !negated {
		inner.text = text
		return inner, nil
	}

	return &Expr{
		text:  text,
		kind:  KindNegated,
		inner: inner,
	}, nil
}

// compileBody compiles the pattern body (with any leading "!" already
// stripped) into a literal or regex Expr.
func compileBody(body string) (*Expr, error) {
	re, err := regexp.Compile(body)
	if err != nil {
		// Fall back to exact-string matching: a pattern that is not valid
		// regex syntax (e.g. a bare hostname containing characters regexp
		// rejects) is still a meaningful literal to match against.
		return &Expr{text: body, kind: KindLiteral}, nil
	}
	return &Expr{text: body, kind: KindRegex, re: re}, nil
}

// Match reports whether input satisfies the compiled expression. Match is a
// total function: a nil Expr never matches.
func Match(e *Expr, input string) bool {
	if e == nil {
		return false
	}

	switch e.kind {
	case KindNegated:
		return !Match(e.inner, input)
	case KindRegex:
		return e.re.MatchString(input)
	default:
		return e.text == input
	}
}

// Free releases any resources held by e. Go's regexp.Regexp needs no
// explicit release; Free exists so call sites written against the
// compile/match/free lifecycle of the original matcher keep a symmetrical
// shape, and is a safe no-op.
func Free(e *Expr) {}
