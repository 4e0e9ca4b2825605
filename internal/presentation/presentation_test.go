package presentation

import (
	"testing"
	"time"
)

func TestExpression_CyclePeriod(t *testing.T) {
	for start := Neutral; start < ExpressionCount; start++ {
		e := start
		for range ExpressionCount {
			e = e.Next()
		}
		if e != start {
			t.Errorf("after %d cycles from %v got %v", ExpressionCount, start, e)
		}
	}
}

func TestExpression_Labels(t *testing.T) {
	tests := []struct {
		e     Expression
		label string
		name  string
	}{
		{Neutral, "普通", "neutral"},
		{Happy, "嬉しい", "happy"},
		{Sleepy, "眠い", "sleepy"},
		{Doubt, "困った", "doubt"},
		{Expression(4), "", "unknown"},
		{Expression(-1), "", "unknown"},
	}
	for _, tt := range tests {
		if got := tt.e.Label(); got != tt.label {
			t.Errorf("Expression(%d).Label() = %q; want %q", tt.e, got, tt.label)
		}
		if got := tt.e.String(); got != tt.name {
			t.Errorf("Expression(%d).String() = %q; want %q", tt.e, got, tt.name)
		}
	}
}

func TestPaletteAt(t *testing.T) {
	names := []string{"標準色", "青系", "緑系", "赤系", "紫系", "オレンジ系"}
	for i, want := range names {
		p, ok := PaletteAt(i)
		if !ok {
			t.Fatalf("PaletteAt(%d) ok = false", i)
		}
		if p.Name != want {
			t.Errorf("PaletteAt(%d).Name = %q; want %q", i, p.Name, want)
		}
		if p.Primary == p.Background {
			t.Errorf("palette %d has identical primary and background", i)
		}
	}

	for _, i := range []int{-1, 6, 100} {
		p, ok := PaletteAt(i)
		if ok {
			t.Errorf("PaletteAt(%d) ok = true; want false", i)
		}
		if p.Name != "標準色" {
			t.Errorf("PaletteAt(%d) fallback = %q", i, p.Name)
		}
	}
}

func TestState_Expired(t *testing.T) {
	t0 := time.Date(2025, 7, 16, 12, 0, 0, 0, time.UTC)
	s := Boot("スタックちゃん", t0)
	if s.Expired(t0.Add(time.Hour), 30*time.Second) {
		t.Fatal("boot state must never expire")
	}

	s.UserSet = true
	s.LastChange = t0
	if s.Expired(t0.Add(29*time.Second), 30*time.Second) {
		t.Error("expired before timeout")
	}
	if !s.Expired(t0.Add(30*time.Second), 30*time.Second) {
		t.Error("not expired at exactly the timeout")
	}
}
