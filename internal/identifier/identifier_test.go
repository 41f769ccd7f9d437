package identifier

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateRejectsUnsafeNames(t *testing.T) {
	cases := []string{
		"",
		"123bad",
		"pg_internal",
		"select",
		"SELECT",
		"Where",
		"has-dash",
		"spaced name",
		"quote\"d",
		strings.Repeat("a", 64),
	}
	for _, name := range cases {
		err := Validate(name)
		if err == nil {
			t.Fatalf("Validate(%q) = nil, want error", name)
		}
		if !errors.Is(err, ErrInvalid) {
			t.Fatalf("Validate(%q) error = %v, want ErrInvalid", name, err)
		}
	}
}

func TestValidateAcceptsSafeNames(t *testing.T) {
	cases := []string{
		"valid_name",
		"_ok123",
		"Sales2024",
		"price$usd",
		"pgadmin",
		strings.Repeat("a", 63),
	}
	for _, name := range cases {
		if err := Validate(name); err != nil {
			t.Fatalf("Validate(%q) error = %v", name, err)
		}
	}
}

func TestValidateTargetRequiresBothNames(t *testing.T) {
	if err := ValidateTarget("analytics", "public"); err != nil {
		t.Fatalf("ValidateTarget() error = %v", err)
	}
	if err := ValidateTarget("analytics", "select"); err == nil {
		t.Fatal("expected schema rejection")
	}
	if err := ValidateTarget("1db", "public"); err == nil {
		t.Fatal("expected database rejection")
	}
}
