package image

import "testing"

func TestParseReference(t *testing.T) {
	cases := []struct {
		ref                         string
		wantHost, wantRepo, wantTag string
		wantErr                     bool
	}{
		{"registry.example.com/library/alpine:3.18", "registry.example.com", "library/alpine", "3.18", false},
		{"registry.example.com/library/alpine", "registry.example.com", "library/alpine", "latest", false},
		{"alpine", "", "", "", true},
	}
	for _, c := range cases {
		host, repo, tag, err := ParseReference(c.ref)
		if c.wantErr {
			if err == nil {
				t.Errorf("ParseReference(%q): expected error", c.ref)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseReference(%q): %v", c.ref, err)
			continue
		}
		if host != c.wantHost || repo != c.wantRepo || tag != c.wantTag {
			t.Errorf("ParseReference(%q) = %q, %q, %q; want %q, %q, %q", c.ref, host, repo, tag, c.wantHost, c.wantRepo, c.wantTag)
		}
	}
}

func TestIsWhiteoutName(t *testing.T) {
	cases := map[string]bool{
		"etc/.wh.passwd":   true,
		"var/.wh..wh..opq": true,
		"etc/passwd":       false,
		"a/b/c":            false,
	}
	for name, want := range cases {
		if got := isWhiteoutName(name); got != want {
			t.Errorf("isWhiteoutName(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestMediaTypeForAlgoRoundTrip(t *testing.T) {
	for _, algo := range []string{"plain", "gzip", "zstd"} {
		mt := mediaTypeForAlgo(algo)
		if algoForMediaType(mt) != algo {
			t.Errorf("algoForMediaType(mediaTypeForAlgo(%q)) = %q", algo, algoForMediaType(mt))
		}
	}
}
