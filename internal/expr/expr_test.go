package expr

import "testing"

func TestCompile_Regex(t *testing.T) {
	e, err := Compile("^http/.*$")
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}
	if e.Kind() != KindRegex {
		t.Errorf("Kind() = %v, want KindRegex", e.Kind())
	}
	if !Match(e, "http/beep") {
		t.Error("expected match against http/beep")
	}
	if Match(e, "ftp/beep") {
		t.Error("expected no match against ftp/beep")
	}
}

func TestCompile_LiteralFallback(t *testing.T) {
	// "[" is invalid regex syntax, so this must fall back to literal match.
	e, err := Compile("urn:profile:[weird")
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}
	if e.Kind() != KindLiteral {
		t.Errorf("Kind() = %v, want KindLiteral", e.Kind())
	}
	if !Match(e, "urn:profile:[weird") {
		t.Error("expected exact literal match")
	}
	if Match(e, "urn:profile:other") {
		t.Error("expected no match for different literal")
	}
}

func TestCompile_Negated(t *testing.T) {
	e, err := Compile("!^admin\\..*$")
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}
	if e.Kind() != KindNegated {
		t.Errorf("Kind() = %v, want KindNegated", e.Kind())
	}
	if Match(e, "admin.example.com") {
		t.Error("negated expr should not match admin.example.com")
	}
	if !Match(e, "www.example.com") {
		t.Error("negated expr should match www.example.com")
	}
}

func TestCompile_Empty(t *testing.T) {
	if _, err := Compile(""); err == nil {
		t.Error("expected error compiling empty pattern")
	}
}

func TestMatch_NilExpr(t *testing.T) {
	if Match(nil, "anything") {
		t.Error("nil Expr should never match")
	}
}

func TestText(t *testing.T) {
	e, err := Compile("!foo")
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}
	if e.Text() != "!foo" {
		t.Errorf("Text() = %q, want %q", e.Text(), "!foo")
	}

	var nilExpr *Expr
	if nilExpr.Text() != "" {
		t.Error("nil Expr Text() should be empty")
	}
}

func TestHasRegexSupport(t *testing.T) {
	if !HasRegexSupport {
		t.Error("HasRegexSupport should always be true in this build")
	}
}

func TestFree_NoPanic(t *testing.T) {
	e, _ := Compile("foo")
	Free(e)
	Free(nil)
}
