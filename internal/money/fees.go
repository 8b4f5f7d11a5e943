package money

import (
	"fmt"
	"math"
	"math/bits"
)

// Fees is the split of a gross amount at settlement time.
type Fees struct {
	PlatformFee Amount `json:"platform_fee_amount"`
	ProviderFee Amount `json:"provider_fee_amount"`
	Net         Amount `json:"net_amount"`
}

// ComputeFees splits gross into platform fee, provider fee and net.
// The platform fee is gross*rate truncated to the minor unit, plus the flat
// adjustment. PlatformFee+ProviderFee+Net always equals gross.
func ComputeFees(gross Amount, rate Rate, flatAdjustment, providerFee Amount) (Fees, error) {
	if gross < 0 || flatAdjustment < 0 || providerFee < 0 {
		return Fees{}, fmt.Errorf("%w: negative fee input", ErrInvalidAmount)
	}
	if err := rate.Validate(); err != nil {
		return Fees{}, err
	}
	pct := percentOf(gross, rate)
	if pct > math.MaxInt64-flatAdjustment {
		return Fees{}, fmt.Errorf("%w: platform fee out of range", ErrInvalidAmount)
	}
	platform := pct + flatAdjustment

	// compare before subtracting so a huge fee cannot wrap around
	if platform > gross || providerFee > gross-platform {
		return Fees{}, fmt.Errorf("%w: gross %s, platform %s, provider %s", ErrFeeOverrun, gross, platform, providerFee)
	}
	return Fees{
		PlatformFee: platform,
		ProviderFee: providerFee,
		Net:         gross - platform - providerFee,
	}, nil
}

// percentOf computes gross*rate/10000 truncated, without int64 overflow.
func percentOf(gross Amount, rate Rate) Amount {
	hi, lo := bits.Mul64(uint64(gross), uint64(rate))
	quo, _ := bits.Div64(hi, lo, rateScale)
	return Amount(quo)
}
