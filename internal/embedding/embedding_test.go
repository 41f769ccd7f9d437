package embedding

import (
	"errors"
	"math"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	in := []float32{0.1, -2.5, 3.14159}
	raw := Encode(in)
	if len(raw) != 12 {
		t.Fatalf("len(Encode()) = %d, want 12", len(raw))
	}

	out, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("len(Decode()) = %d", len(out))
	}
	for i := range in {
		if out[i] != in[i] {
			t.Fatalf("out[%d] = %v, want %v", i, out[i], in[i])
		}
	}
}

func TestEncodeIsLittleEndian(t *testing.T) {
	raw := Encode([]float32{1})
	want := []byte{0x00, 0x00, 0x80, 0x3f}
	for i := range want {
		if raw[i] != want[i] {
			t.Fatalf("Encode(1) = % x, want % x", raw, want)
		}
	}
}

func TestDecodeRejectsPartialFloat(t *testing.T) {
	if _, err := Decode([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected error for 3-byte input")
	}
}

func TestCosine(t *testing.T) {
	if got := Cosine([]float32{1, 0}, []float32{1, 0}); math.Abs(got-1) > 1e-9 {
		t.Fatalf("Cosine(same) = %v", got)
	}
	if got := Cosine([]float32{1, 0}, []float32{0, 1}); math.Abs(got) > 1e-9 {
		t.Fatalf("Cosine(orthogonal) = %v", got)
	}
	if got := Cosine([]float32{1}, []float32{1, 2}); got != 0 {
		t.Fatalf("Cosine(mismatch) = %v", got)
	}
}

func TestErrorUnwraps(t *testing.T) {
	cause := errors.New("connection refused")
	err := error(&Error{Provider: "openai", Err: cause})
	if !errors.Is(err, cause) {
		t.Fatal("expected errors.Is to reach cause")
	}
	var embErr *Error
	if !errors.As(err, &embErr) || embErr.Provider != "openai" {
		t.Fatalf("errors.As() = %v", embErr)
	}
}
