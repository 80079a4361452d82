package registry

import (
	"reflect"
	"testing"

	"github.com/banksean/xc/internal/ociimage"
)

func TestParseCommaSeparatedQuotedKVMultipleItems(t *testing.T) {
	got := parseCommaSeparatedQuotedKV(`123="456",789="abc"`)
	want := map[string]string{"123": "456", "789": "abc"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestParseCommaSeparatedQuotedKVSingleItem(t *testing.T) {
	got := parseCommaSeparatedQuotedKV(`Basic realm="hello world"`)
	want := map[string]string{"Basic realm": "hello world"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestParseCommaSeparatedQuotedKVEmpty(t *testing.T) {
	got := parseCommaSeparatedQuotedKV("")
	if len(got) != 0 {
		t.Fatalf("got %v, want empty", got)
	}
}

func TestParseCommaSeparatedQuotedKVNonKVPair(t *testing.T) {
	got := parseCommaSeparatedQuotedKV("123")
	if len(got) != 0 {
		t.Fatalf("got %v, want empty", got)
	}
}

func TestPlatformCompatible(t *testing.T) {
	amd64 := ociimage.Platform{OS: "freebsd", Architecture: "amd64"}
	arm64 := ociimage.Platform{OS: "freebsd", Architecture: "arm64"}
	if !platformCompatible(amd64, amd64) {
		t.Fatalf("expected identical platforms to be compatible")
	}
	if platformCompatible(amd64, arm64) {
		t.Fatalf("expected differing platforms to be incompatible")
	}
}
