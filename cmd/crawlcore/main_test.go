package main

import "testing"

func TestParseSeeds(t *testing.T) {
	got := parseSeeds(" https://a.example , https://b.example ,,")
	want := []string{"https://a.example", "https://b.example"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("expected %q at index %d, got %q", want[i], i, got[i])
		}
	}
}

func TestParseSeedsEmpty(t *testing.T) {
	if got := parseSeeds(""); got != nil {
		t.Errorf("expected nil for empty input, got %v", got)
	}
}

func TestSeedsToSources(t *testing.T) {
	sources := seedsToSources([]string{"https://a.example"})
	if len(sources) != 1 {
		t.Fatalf("expected 1 source, got %d", len(sources))
	}
	if sources[0].Request == nil || sources[0].Request.URL != "https://a.example" {
		t.Errorf("expected request seeded with https://a.example, got %+v", sources[0].Request)
	}
}

func TestParseProxyURLs(t *testing.T) {
	got, err := parseProxyURLs(" http://u1:p1@proxy1.example:8080 , http://proxy2.example:8080 ,,")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 proxy URLs, got %d", len(got))
	}
	if got[0].Host != "proxy1.example:8080" || got[1].Host != "proxy2.example:8080" {
		t.Errorf("unexpected parsed hosts: %q, %q", got[0].Host, got[1].Host)
	}
}

func TestParseProxyURLsEmpty(t *testing.T) {
	got, err := parseProxyURLs("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for empty input, got %v", got)
	}
}

func TestParseProxyURLsInvalid(t *testing.T) {
	if _, err := parseProxyURLs("://not-a-url"); err == nil {
		t.Error("expected an error for a malformed proxy URL")
	}
}

func TestMergeProxyURLs(t *testing.T) {
	flagParsed, err := parseProxyURLs("http://flag.example:8080")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := mergeProxyURLs([]string{"http://configured.example:8080"}, flagParsed)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 proxy URLs, got %d", len(got))
	}
	if got[0].Host != "configured.example:8080" || got[1].Host != "flag.example:8080" {
		t.Errorf("expected configured URLs first, got %q, %q", got[0].Host, got[1].Host)
	}
}

func TestMergeProxyURLsInvalidConfigured(t *testing.T) {
	if _, err := mergeProxyURLs([]string{"://not-a-url"}, nil); err == nil {
		t.Error("expected an error for a malformed configured proxy URL")
	}
}
