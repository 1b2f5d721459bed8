package handler

import (
	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-pricing/internal/domain/pricing"
)

// cartRequest is the body of both cart endpoints.
type cartRequest struct {
	CartID      string
	UserID      string
	Currency    string
	Items       []itemRequest
	CouponCodes []string
}

type itemRequest struct {
	ProductID  string
	VariantID  string
	CategoryID string
	Price      decimal.Decimal
	Quantity   int
}

func decodeCartRequest(data []byte) (*cartRequest, error) {
	var req cartRequest
	d := jx.DecodeBytes(data)
	err := d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "cartId":
			req.CartID, err = optStr(d)
		case "userId":
			req.UserID, err = optStr(d)
		case "currency":
			req.Currency, err = d.Str()
		case "items":
			err = d.Arr(func(d *jx.Decoder) error {
				item, err := decodeItem(d)
				if err != nil {
					return errors.Wrapf(err, "item %d", len(req.Items))
				}
				req.Items = append(req.Items, item)
				return nil
			})
		case "couponCodes":
			if d.Next() == jx.Null {
				return d.Null()
			}
			err = d.Arr(func(d *jx.Decoder) error {
				code, err := d.Str()
				req.CouponCodes = append(req.CouponCodes, code)
				return err
			})
		default:
			err = d.Skip()
		}
		return errors.Wrap(err, key)
	})
	if err != nil {
		return nil, err
	}
	return &req, nil
}

func decodeItem(d *jx.Decoder) (itemRequest, error) {
	var item itemRequest
	err := d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "productId":
			item.ProductID, err = d.Str()
		case "variantId":
			item.VariantID, err = optStr(d)
		case "categoryId":
			item.CategoryID, err = optStr(d)
		case "price":
			item.Price, err = decodeDecimal(d)
		case "quantity":
			item.Quantity, err = d.Int()
		default:
			err = d.Skip()
		}
		return errors.Wrap(err, key)
	})
	return item, err
}

// optStr reads a string that may be null.
func optStr(d *jx.Decoder) (string, error) {
	if d.Next() == jx.Null {
		return "", d.Null()
	}
	return d.Str()
}

// decodeDecimal accepts both JSON numbers and numeric strings so clients
// can avoid float rounding on their side.
func decodeDecimal(d *jx.Decoder) (decimal.Decimal, error) {
	switch tt := d.Next(); tt {
	case jx.String:
		s, err := d.Str()
		if err != nil {
			return decimal.Decimal{}, err
		}
		return decimal.NewFromString(s)
	case jx.Number:
		n, err := d.Num()
		if err != nil {
			return decimal.Decimal{}, err
		}
		return decimal.NewFromString(string(n))
	default:
		return decimal.Decimal{}, errors.Errorf("expected number, got %s", tt)
	}
}

func encodeMoney(e *jx.Encoder, name string, v decimal.Decimal) {
	e.Field(name, func(e *jx.Encoder) { e.Str(v.StringFixed(2)) })
}

func encodeApplied(e *jx.Encoder, a pricing.AppliedRule) {
	e.Field("ruleId", func(e *jx.Encoder) { e.Str(a.Rule.ID) })
	e.Field("name", func(e *jx.Encoder) { e.Str(a.Rule.Name) })
	e.Field("type", func(e *jx.Encoder) { e.Str(string(a.Rule.Type())) })
	encodeMoney(e, "discount", a.Amount)
	e.Field("appliedTo", func(e *jx.Encoder) { e.Str(string(a.AppliedTo)) })
	e.Field("combinable", func(e *jx.Encoder) { e.Bool(a.Rule.Combinable) })
}

func encodeCalculation(currency string, calc *pricing.Calculation) []byte {
	var e jx.Encoder
	e.Obj(func(e *jx.Encoder) {
		e.Field("currency", func(e *jx.Encoder) { e.Str(currency) })
		encodeMoney(e, "subtotal", calc.Subtotal)
		encodeMoney(e, "totalDiscount", calc.TotalDiscount)
		encodeMoney(e, "total", calc.Total)
		e.Field("appliedRules", func(e *jx.Encoder) {
			e.Arr(func(e *jx.Encoder) {
				for _, a := range calc.Applied {
					e.Obj(func(e *jx.Encoder) { encodeApplied(e, a) })
				}
			})
		})
	})
	return e.Bytes()
}

// encodeConfirmation reports per-rule recording outcomes. Totals only count
// rules that were recorded; voided rules are listed with their error.
func encodeConfirmation(cartID, currency string, calc *pricing.Calculation, results []pricing.RecordResult) []byte {
	discount := decimal.Zero
	for i, a := range calc.Applied {
		if results[i].Err == nil {
			discount = discount.Add(a.Amount)
		}
	}
	total := decimal.Max(calc.Subtotal.Sub(discount), decimal.Zero)

	var e jx.Encoder
	e.Obj(func(e *jx.Encoder) {
		e.Field("cartId", func(e *jx.Encoder) { e.Str(cartID) })
		e.Field("currency", func(e *jx.Encoder) { e.Str(currency) })
		encodeMoney(e, "subtotal", calc.Subtotal)
		encodeMoney(e, "totalDiscount", discount)
		encodeMoney(e, "total", total)
		e.Field("appliedRules", func(e *jx.Encoder) {
			e.Arr(func(e *jx.Encoder) {
				for i, a := range calc.Applied {
					e.Obj(func(e *jx.Encoder) {
						encodeApplied(e, a)
						err := results[i].Err
						e.Field("recorded", func(e *jx.Encoder) { e.Bool(err == nil) })
						switch {
						case err == nil:
						case errors.Is(err, pricing.ErrLimitExceeded):
							e.Field("error", func(e *jx.Encoder) { e.Str(err.Error()) })
						default:
							e.Field("error", func(e *jx.Encoder) { e.Str("usage not recorded") })
						}
					})
				}
			})
		})
	})
	return e.Bytes()
}

func encodeRule(r *pricing.Rule) []byte {
	optInt := func(e *jx.Encoder, name string, v *int) {
		if v != nil {
			e.Field(name, func(e *jx.Encoder) { e.Int(*v) })
		}
	}

	var e jx.Encoder
	e.Obj(func(e *jx.Encoder) {
		e.Field("id", func(e *jx.Encoder) { e.Str(r.ID) })
		e.Field("name", func(e *jx.Encoder) { e.Str(r.Name) })
		e.Field("description", func(e *jx.Encoder) { e.Str(r.Description) })
		e.Field("type", func(e *jx.Encoder) { e.Str(string(r.Type())) })
		e.Field("active", func(e *jx.Encoder) { e.Bool(r.Active) })
		if r.CouponCode != "" {
			e.Field("couponCode", func(e *jx.Encoder) { e.Str(r.CouponCode) })
		}
		e.Field("autoApply", func(e *jx.Encoder) { e.Bool(r.AutoApply) })
		e.Field("combinable", func(e *jx.Encoder) { e.Bool(r.Combinable) })
		e.Field("priority", func(e *jx.Encoder) { e.Int(r.Priority) })
		if r.Currency != "" {
			e.Field("currency", func(e *jx.Encoder) { e.Str(r.Currency) })
		}
		e.Field("usageCount", func(e *jx.Encoder) { e.Int(r.UsageCount) })
		optInt(e, "usageLimit", r.UsageLimit)
		optInt(e, "perUserLimit", r.PerUserLimit)
	})
	return e.Bytes()
}
