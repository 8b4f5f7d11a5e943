package money

import (
	"errors"
	"math"
	"testing"
)

func TestComputeFeesScenario(t *testing.T) {
	// 1000.00 gross at 7% with a 30.00 provider fee
	fees, err := ComputeFees(100000, 700, 0, 3000)
	if err != nil {
		t.Fatalf("compute fees: %v", err)
	}
	if fees.PlatformFee != 7000 || fees.ProviderFee != 3000 || fees.Net != 90000 {
		t.Fatalf("unexpected fees %+v", fees)
	}
}

func TestComputeFeesTruncates(t *testing.T) {
	// 0.99 * 7% = 0.0693 -> 0.06
	fees, err := ComputeFees(99, 700, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if fees.PlatformFee != 6 || fees.Net != 93 {
		t.Fatalf("unexpected fees %+v", fees)
	}
}

func TestComputeFeesFlatAdjustment(t *testing.T) {
	fees, err := ComputeFees(10000, 500, 150, 200)
	if err != nil {
		t.Fatal(err)
	}
	if fees.PlatformFee != 650 || fees.Net != 9150 {
		t.Fatalf("unexpected fees %+v", fees)
	}
}

func TestComputeFeesConservation(t *testing.T) {
	grosses := []Amount{1, 7, 99, 100, 12345, 100000, 999999999, math.MaxInt64 / 2}
	rates := []Rate{0, 1, 250, 700, 1234, 9999, 10000}
	for _, g := range grosses {
		for _, r := range rates {
			fees, err := ComputeFees(g, r, 0, 0)
			if err != nil {
				t.Fatalf("gross %d rate %d: %v", g, r, err)
			}
			if fees.PlatformFee+fees.ProviderFee+fees.Net != g {
				t.Fatalf("gross %d rate %d: fees %+v do not sum to gross", g, r, fees)
			}
			if fees.Net < 0 {
				t.Fatalf("gross %d rate %d: negative net", g, r)
			}
		}
	}
}

func TestComputeFeesOverrun(t *testing.T) {
	if _, err := ComputeFees(1000, 700, 0, 931); !errors.Is(err, ErrFeeOverrun) {
		t.Fatalf("expected ErrFeeOverrun, got %v", err)
	}
	if _, err := ComputeFees(1000, 700, 0, 930); err != nil {
		t.Fatalf("net of exactly zero must be accepted: %v", err)
	}
	if _, err := ComputeFees(1000, 0, 1001, 0); !errors.Is(err, ErrFeeOverrun) {
		t.Fatalf("expected ErrFeeOverrun for flat adjustment, got %v", err)
	}
}

func TestComputeFeesRejectsNegativeInputs(t *testing.T) {
	cases := []struct {
		gross, flat, provider Amount
		rate                  Rate
	}{
		{-1, 0, 0, 700},
		{100, -1, 0, 700},
		{100, 0, -1, 700},
		{100, 0, 0, -1},
		{100, 0, 0, 10001},
	}
	for _, tc := range cases {
		if _, err := ComputeFees(tc.gross, tc.rate, tc.flat, tc.provider); !errors.Is(err, ErrInvalidAmount) {
			t.Errorf("%+v: expected ErrInvalidAmount, got %v", tc, err)
		}
	}
}

func TestParseAmount(t *testing.T) {
	ok := map[string]Amount{
		"1000.00": 100000,
		"1000":    100000,
		"0.5":     50,
		" 12.34 ": 1234,
		"0":       0,
	}
	for in, want := range ok {
		got, err := ParseAmount(in)
		if err != nil || got != want {
			t.Errorf("ParseAmount(%q) = %d, %v; want %d", in, got, err, want)
		}
	}
	for _, in := range []string{"", "abc", "-1.00", "1.001", "1e30"} {
		if _, err := ParseAmount(in); !errors.Is(err, ErrInvalidAmount) {
			t.Errorf("ParseAmount(%q): expected ErrInvalidAmount, got %v", in, err)
		}
	}
}

func TestAmountString(t *testing.T) {
	if s := Amount(90000).String(); s != "900.00" {
		t.Fatalf("String() = %q", s)
	}
	if s := Amount(5).String(); s != "0.05" {
		t.Fatalf("String() = %q", s)
	}
}

func TestParseRate(t *testing.T) {
	r, err := ParseRate("7")
	if err != nil || r != 700 {
		t.Fatalf("ParseRate(7) = %d, %v", r, err)
	}
	r, err = ParseRate("7.25")
	if err != nil || r != 725 {
		t.Fatalf("ParseRate(7.25) = %d, %v", r, err)
	}
	if r.String() != "7.25" {
		t.Fatalf("String() = %q", r.String())
	}
	for _, in := range []string{"101", "-1", "7.125", "x"} {
		if _, err := ParseRate(in); !errors.Is(err, ErrInvalidAmount) {
			t.Errorf("ParseRate(%q): expected ErrInvalidAmount, got %v", in, err)
		}
	}
}
