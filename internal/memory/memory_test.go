package memory

import (
	"errors"
	"testing"
)

func intp(v int) *int { return &v }

func TestInputValidate(t *testing.T) {
	valid := Input{Type: TypeNote, Title: "t", Content: "c", Importance: intp(5)}
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid input rejected: %v", err)
	}

	tests := []struct {
		name    string
		mutate  func(*Input)
		wantErr error
	}{
		{"unknown type", func(in *Input) { in.Type = "gossip" }, ErrInvalidType},
		{"empty title", func(in *Input) { in.Title = "" }, ErrEmptyTitle},
		{"empty content", func(in *Input) { in.Content = "" }, ErrEmptyContent},
		{"importance zero", func(in *Input) { in.Importance = intp(0) }, ErrInvalidImportance},
		{"importance eleven", func(in *Input) { in.Importance = intp(11) }, ErrInvalidImportance},
		{"bad visibility", func(in *Input) { in.Visibility = "secret" }, ErrInvalidVisibility},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := valid
			tt.mutate(&in)
			err := in.Validate()
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestInputValidate_ImportanceBoundaries(t *testing.T) {
	for _, imp := range []int{1, 10} {
		in := Input{Type: TypeNote, Title: "t", Content: "c", Importance: intp(imp)}
		if err := in.Validate(); err != nil {
			t.Errorf("importance %d should be valid: %v", imp, err)
		}
	}

	// Omitted importance is valid; the store fills the default.
	omitted := Input{Type: TypeNote, Title: "t", Content: "c"}
	if err := omitted.Validate(); err != nil {
		t.Errorf("nil importance should validate: %v", err)
	}
}

func TestUpdateValidate(t *testing.T) {
	empty := ""
	bad := 0
	if err := (&Update{Title: &empty}).Validate(); !errors.Is(err, ErrEmptyTitle) {
		t.Error("empty title patch should be rejected")
	}
	if err := (&Update{Importance: &bad}).Validate(); !errors.Is(err, ErrInvalidImportance) {
		t.Error("zero importance patch should be rejected")
	}
	if err := (&Update{}).Validate(); err != nil {
		t.Errorf("empty patch should validate: %v", err)
	}
}

func TestNormalizeImportance(t *testing.T) {
	tests := []struct {
		in      float64
		want    int
		wantErr bool
	}{
		{0.8, 8, false},
		{0.05, 1, false}, // rounds to 0.5 -> 1
		{0.95, 10, false},
		{5, 5, false},
		{1, 1, false},
		{10, 10, false},
		{0, 0, true},
		{11, 0, true},
		{5.5, 0, true},
		{-0.3, 0, true},
	}
	for _, tt := range tests {
		got, err := NormalizeImportance(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("NormalizeImportance(%v): expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("NormalizeImportance(%v): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("NormalizeImportance(%v) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
