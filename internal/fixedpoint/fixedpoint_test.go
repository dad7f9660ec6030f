package fixedpoint

import "testing"

func TestFromIntRoundTrip(t *testing.T) {
	t.Parallel()

	for _, x := range []int{0, 1, -1, 100, -100, 1<<16 - 1, -(1<<16 - 1)} {
		x := x
		t.Run("", func(t *testing.T) {
			t.Parallel()
			got := ToIntTrunc(FromInt(x))
			if got != x {
				t.Fatalf("ToIntTrunc(FromInt(%d)) = %d, want %d", x, got, x)
			}
		})
	}
}

func TestToIntRound(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   Value
		want int
	}{
		{"positive exact", FromInt(59), 59},
		{"positive round up", FromInt(59) + F/2, 60},
		{"positive round down just under half", FromInt(59) + F/2 - 1, 59},
		{"negative exact", FromInt(-59), -59},
		{"negative rounds toward -inf at half", FromInt(-59) - F/2, -60},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := ToIntRound(tt.in); got != tt.want {
				t.Fatalf("ToIntRound(%d) = %d, want %d", tt.in, got, tt.want)
			}
		})
	}
}

func TestMulDiv(t *testing.T) {
	t.Parallel()

	x := FromInt(10)
	y := FromInt(4)

	if got := Mul(x, y); got != FromInt(40) {
		t.Fatalf("Mul(10, 4) = %v, want %v", got, FromInt(40))
	}
	if got := ToIntTrunc(Div(x, y)); got != 2 {
		t.Fatalf("Div(10, 4) truncated = %d, want 2", got)
	}
}

func TestInc(t *testing.T) {
	t.Parallel()

	v := FromInt(5)
	if got := Inc(v); got != FromInt(6) {
		t.Fatalf("Inc(5.0) = %v, want %v", got, FromInt(6))
	}
}

// TestScaledRoundTripProperty mirrors spec.md's testable property:
// round(from_int(x)*100) == 100*x for values well within the documented bound.
func TestScaledRoundTripProperty(t *testing.T) {
	t.Parallel()

	for _, x := range []int{0, 1, -1, 42, -42, 1000} {
		got := ToIntRound(FromInt(x) * 100)
		want := 100 * x
		if got != want {
			t.Fatalf("round(from_int(%d)*100) = %d, want %d", x, got, want)
		}
	}
}
