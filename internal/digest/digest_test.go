package digest

import "testing"

func TestParseValid(t *testing.T) {
	s := "sha256:" + hexOfLen(64, 'a')
	d, err := Parse(s)
	if err != nil {
		t.Fatalf("Parse(%q) = %v", s, err)
	}
	if d.String() != s {
		t.Fatalf("round-trip: got %q, want %q", d.String(), s)
	}
}

func TestParseMalformed(t *testing.T) {
	cases := []string{
		"not-a-digest",
		"md5:" + hexOfLen(32, 'a'),
		"sha256:tooshort",
	}
	for _, c := range cases {
		if _, err := Parse(c); err == nil {
			t.Errorf("Parse(%q) succeeded, want error", c)
		}
	}
}

func TestChainDeterministic(t *testing.T) {
	l0 := mustDigest(t, "sha256:"+hexOfLen(64, '1'))
	l1 := mustDigest(t, "sha256:"+hexOfLen(64, '2'))
	l2 := mustDigest(t, "sha256:"+hexOfLen(64, '3'))

	c1, err := Chain([]Digest{l0})
	if err != nil {
		t.Fatal(err)
	}
	if ChainID(l0) != c1 {
		t.Fatalf("chain(l0) must equal l0")
	}

	a, err := Chain([]Digest{l0, l1, l2})
	if err != nil {
		t.Fatal(err)
	}
	b, err := Chain([]Digest{l0, l1, l2})
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Fatalf("Chain is not deterministic: %v != %v", a, b)
	}

	c, err := Chain([]Digest{l0, l1})
	if err != nil {
		t.Fatal(err)
	}
	if ChainID(c) == a {
		t.Fatalf("different length chains collided")
	}
}

func mustDigest(t *testing.T, s string) Digest {
	t.Helper()
	d, err := Parse(s)
	if err != nil {
		t.Fatalf("Parse(%q): %v", s, err)
	}
	return d
}

func hexOfLen(n int, c byte) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = c
	}
	return string(b)
}
