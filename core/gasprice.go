// core/gasprice.go – gas-price bidding policy (§4.5).
package core

import (
	"fmt"
	"math/big"
	"strconv"
	"strings"
)

// GasBidKind enumerates the fee strategies a put can request.
type GasBidKind int

const (
	GasBidLow GasBidKind = iota
	GasBidMarket
	GasBidAuto
	GasBidLimitedAuto
	GasBidUnlimited
	GasBidLiteral
)

// GasBidPolicy is the parsed form of the `max_fee_per_gas` config value.
type GasBidPolicy struct {
	Kind GasBidKind
	Cap  *big.Int // meaningful for GasBidLimitedAuto and GasBidLiteral
}

// ParseGasBidPolicy parses the enum/wei config string described in §4.5:
// low | market | auto | limited-auto:<WEI> | unlimited | <literal WEI>.
func ParseGasBidPolicy(s string) (GasBidPolicy, error) {
	s = strings.TrimSpace(s)
	switch {
	case s == "low":
		return GasBidPolicy{Kind: GasBidLow}, nil
	case s == "market" || s == "":
		return GasBidPolicy{Kind: GasBidMarket}, nil
	case s == "auto":
		return GasBidPolicy{Kind: GasBidAuto}, nil
	case s == "unlimited":
		return GasBidPolicy{Kind: GasBidUnlimited}, nil
	case strings.HasPrefix(s, "limited-auto:"):
		wei, ok := new(big.Int).SetString(strings.TrimPrefix(s, "limited-auto:"), 10)
		if !ok {
			return GasBidPolicy{}, fmt.Errorf("%w: bad limited-auto cap %q", ErrGasTooLow, s)
		}
		return GasBidPolicy{Kind: GasBidLimitedAuto, Cap: wei}, nil
	default:
		wei, ok := new(big.Int).SetString(s, 10)
		if !ok {
			return GasBidPolicy{}, fmt.Errorf("%w: unrecognized gas bid %q", ErrGasTooLow, s)
		}
		return GasBidPolicy{Kind: GasBidLiteral, Cap: wei}, nil
	}
}

// Bid computes the fee per gas to offer given the current base fee and,
// for adaptive modes, a short window of recent block base fees (used to
// estimate inclusion trend; with fewer than two entries there is no trend
// and the adaptive modes bid 1.25x the base fee).
func (p GasBidPolicy) Bid(baseFee *big.Int, recentBaseFees []*big.Int) (*big.Int, error) {
	switch p.Kind {
	case GasBidLow:
		return new(big.Int).Set(baseFee), nil
	case GasBidMarket:
		return mulFrac(baseFee, 125, 100), nil
	case GasBidAuto:
		return adaptiveFee(baseFee, recentBaseFees, nil)
	case GasBidLimitedAuto:
		bid, err := adaptiveFee(baseFee, recentBaseFees, p.Cap)
		if err != nil {
			return nil, err
		}
		return bid, nil
	case GasBidUnlimited:
		return mulFrac(baseFee, 150, 100), nil
	case GasBidLiteral:
		if baseFee.Cmp(p.Cap) > 0 {
			return nil, fmt.Errorf("%w: base fee %s exceeds literal cap %s", ErrGasTooLow, baseFee, p.Cap)
		}
		return new(big.Int).Set(p.Cap), nil
	default:
		return nil, fmt.Errorf("%w: unknown gas bid kind", ErrGasTooLow)
	}
}

func mulFrac(v *big.Int, num, den int64) *big.Int {
	out := new(big.Int).Mul(v, big.NewInt(num))
	return out.Div(out, big.NewInt(den))
}

// adaptiveFee trends the bid upward when recent base fees are rising,
// clamping to cap when non-nil.
func adaptiveFee(baseFee *big.Int, recent []*big.Int, cap *big.Int) (*big.Int, error) {
	bid := mulFrac(baseFee, 125, 100)
	if len(recent) >= 2 {
		rising := recent[len(recent)-1].Cmp(recent[0]) > 0
		if rising {
			bid = mulFrac(baseFee, 175, 100)
		}
	}
	if cap != nil && bid.Cmp(cap) > 0 {
		bid = new(big.Int).Set(cap)
	}
	if cap != nil && baseFee.Cmp(cap) > 0 {
		return nil, fmt.Errorf("%w: base fee %s exceeds cap %s", ErrGasTooLow, baseFee, cap)
	}
	return bid, nil
}

func (k GasBidKind) String() string {
	switch k {
	case GasBidLow:
		return "low"
	case GasBidMarket:
		return "market"
	case GasBidAuto:
		return "auto"
	case GasBidLimitedAuto:
		return "limited-auto"
	case GasBidUnlimited:
		return "unlimited"
	case GasBidLiteral:
		return "literal"
	default:
		return "unknown"
	}
}

// weiFromString parses a decimal wei value. Nothing in the module calls it.
func weiFromString(s string) (*big.Int, error) {
	if v, ok := new(big.Int).SetString(s, 10); ok {
		return v, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid wei value %q", s)
	}
	return big.NewInt(n), nil
}
