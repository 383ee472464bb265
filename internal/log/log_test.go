package log

import "testing"

func TestRedactURL(t *testing.T) {
	cases := map[string]string{
		"https://schedule.kse.ua/uk/index/ical?id_grp=1,2&date_end=01.02.2026": "https://schedule.kse.ua/...(redacted)",
		"http://127.0.0.1:8080?id_grp=7":                                       "http://127.0.0.1:8080/...(redacted)",
		"not a url":                                                            "url://...(redacted)",
	}
	for in, want := range cases {
		if got := RedactURL(in); got != want {
			t.Errorf("RedactURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestInitUnknownLevelFallsBackToInfo(t *testing.T) {
	if err := Init("verbose", "console"); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if got := level.Level().String(); got != "info" {
		t.Fatalf("level = %s, want info", got)
	}
	SetLevel(LevelDebug)
	if got := level.Level().String(); got != "debug" {
		t.Fatalf("level = %s, want debug", got)
	}
	SetLevel(LevelInfo)
}
