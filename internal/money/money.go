package money

import (
	"bytes"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/shopspring/decimal"
)

// Amount is a currency amount. The zero value is 0.
type Amount struct {
	d decimal.Decimal
}

// Zero is the zero amount.
var Zero = Amount{}

func New(v float64) Amount {
	return Amount{d: decimal.NewFromFloat(v)}
}

func FromInt(v int64) Amount {
	return Amount{d: decimal.NewFromInt(v)}
}

// Parse reads a decimal string such as "42500" or "12.50".
func Parse(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Amount{}, fmt.Errorf("parse amount %q: %w", s, err)
	}
	return Amount{d: d}, nil
}

func (a Amount) Add(b Amount) Amount { return Amount{d: a.d.Add(b.d)} }

func (a Amount) Sub(b Amount) Amount { return Amount{d: a.d.Sub(b.d)} }

// Times multiplies by a quantity.
func (a Amount) Times(qty int) Amount {
	return Amount{d: a.d.Mul(decimal.NewFromInt(int64(qty)))}
}

// Percent returns pct percent of a, rounded to 2 places.
func (a Amount) Percent(pct int) Amount {
	return Amount{d: a.d.Mul(decimal.NewFromInt(int64(pct))).Div(decimal.NewFromInt(100)).Round(2)}
}

// Discounted returns a reduced by pct percent, rounded to 2 places.
func (a Amount) Discounted(pct int) Amount {
	return a.Sub(a.Percent(pct))
}

// NonNegative clamps a at zero.
func (a Amount) NonNegative() Amount {
	if a.d.IsNegative() {
		return Zero
	}
	return a
}

// Min returns the smaller of a and b.
func (a Amount) Min(b Amount) Amount {
	if a.d.LessThanOrEqual(b.d) {
		return a
	}
	return b
}

func (a Amount) Cmp(b Amount) int         { return a.d.Cmp(b.d) }
func (a Amount) Equal(b Amount) bool      { return a.d.Equal(b.d) }
func (a Amount) IsNegative() bool         { return a.d.IsNegative() }
func (a Amount) IsZero() bool             { return a.d.IsZero() }
func (a Amount) String() string           { return a.d.String() }
func (a Amount) Decimal() decimal.Decimal { return a.d }

func (a Amount) Float64() float64 {
	f, _ := a.d.Float64()
	return f
}

// MarshalJSON writes the amount as a bare JSON number.
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(a.d.String()), nil
}

// UnmarshalJSON accepts a JSON number or a quoted decimal string.
func (a *Amount) UnmarshalJSON(b []byte) error {
	b = bytes.Trim(b, `"`)
	if len(b) == 0 || string(b) == "null" {
		*a = Zero
		return nil
	}
	d, err := decimal.NewFromString(string(b))
	if err != nil {
		return fmt.Errorf("decode amount: %w", err)
	}
	a.d = d
	return nil
}

// MarshalDynamoDBAttributeValue stores the amount as an N attribute without float rounding.
func (a Amount) MarshalDynamoDBAttributeValue() (types.AttributeValue, error) {
	return &types.AttributeValueMemberN{Value: a.d.String()}, nil
}

func (a *Amount) UnmarshalDynamoDBAttributeValue(av types.AttributeValue) error {
	switch v := av.(type) {
	case *types.AttributeValueMemberN:
		return a.parseInto(v.Value)
	case *types.AttributeValueMemberS:
		return a.parseInto(v.Value)
	case *types.AttributeValueMemberNULL:
		*a = Zero
		return nil
	default:
		return fmt.Errorf("unsupported attribute type %T for amount", av)
	}
}

func (a *Amount) parseInto(s string) error {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return fmt.Errorf("decode amount: %w", err)
	}
	a.d = d
	return nil
}
