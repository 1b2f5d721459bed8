package handler

import (
	"net/http"
	"strings"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/kart-pricing/internal/domain/pricing"
)

// PreviewCart computes the discounts for the submitted cart without
// recording anything; clients call it after every cart change.
func (h *Handler) PreviewCart(w http.ResponseWriter, r *http.Request) error {
	cart, codes, err := parseCart(r)
	if err != nil {
		return err
	}

	calc, err := h.pricing.CalculateDiscounts(r.Context(), cart, codes)
	if err != nil {
		return errors.Wrap(err, "calculate discounts")
	}

	writeJSON(w, http.StatusOK, encodeCalculation(cart.Currency, calc))
	return nil
}

// ConfirmCart recomputes the discounts for a confirmed order and records
// usage of every applied rule. Rules are reported one by one: when a cap was
// exhausted in the meantime the response is 409, when recording failed for
// another reason it is 500, and in both cases the body lists which rules
// were recorded and which were voided.
func (h *Handler) ConfirmCart(w http.ResponseWriter, r *http.Request) error {
	cart, codes, err := parseCart(r)
	if err != nil {
		return err
	}
	if cart.ID == "" {
		return badRequest("cartId is required")
	}

	calc, err := h.pricing.CalculateDiscounts(r.Context(), cart, codes)
	if err != nil {
		return errors.Wrap(err, "calculate discounts")
	}

	results, err := h.pricing.RecordAppliedRules(r.Context(), cart, calc.Applied)
	status := http.StatusOK
	if err != nil {
		var recErr *pricing.RecordError
		if !errors.As(err, &recErr) {
			return errors.Wrap(err, "record applied rules")
		}
		status = http.StatusConflict
		for _, f := range recErr.Failed() {
			if errors.Is(f.Err, pricing.ErrLimitExceeded) {
				continue
			}
			status = http.StatusInternalServerError
			zctx.From(r.Context()).Error("Rule usage recording failed",
				zap.String("cart_id", cart.ID),
				zap.String("rule_id", f.RuleID),
				zap.Error(f.Err),
			)
		}
	}
	if results == nil {
		results = make([]pricing.RecordResult, len(calc.Applied))
	}

	writeJSON(w, status, encodeConfirmation(cart.ID, cart.Currency, calc, results))
	return nil
}

// GetRule returns a rule with its usage counters.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) error {
	rule, err := h.rules.FindByID(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, pricing.ErrRuleNotFound) {
			return &requestError{status: http.StatusNotFound, message: "rule not found"}
		}
		return errors.Wrap(err, "find rule")
	}

	writeJSON(w, http.StatusOK, encodeRule(rule))
	return nil
}

// parseCart decodes and validates a cart request. Coupon codes are trimmed,
// upper-cased and de-duplicated before matching.
func parseCart(r *http.Request) (*pricing.Cart, []string, error) {
	data, err := readBody(r)
	if err != nil {
		return nil, nil, err
	}
	req, err := decodeCartRequest(data)
	if err != nil {
		return nil, nil, badRequest("invalid request body: %v", err)
	}

	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if len(currency) != 3 {
		return nil, nil, badRequest("currency must be a 3-letter code")
	}
	if len(req.Items) == 0 {
		return nil, nil, badRequest("items required")
	}

	cart := &pricing.Cart{
		ID:       req.CartID,
		UserID:   req.UserID,
		Currency: currency,
		Items:    make([]pricing.LineItem, len(req.Items)),
	}
	for i, item := range req.Items {
		switch {
		case item.ProductID == "":
			return nil, nil, badRequest("item %d: productId is required", i)
		case item.Quantity <= 0:
			return nil, nil, badRequest("quantity must be greater than 0 for product %s", item.ProductID)
		case item.Price.IsNegative():
			return nil, nil, badRequest("price must not be negative for product %s", item.ProductID)
		}
		cart.Items[i] = pricing.LineItem{
			ProductID:  item.ProductID,
			VariantID:  item.VariantID,
			CategoryID: item.CategoryID,
			UnitPrice:  item.Price,
			Quantity:   item.Quantity,
		}
	}

	return cart, pricing.NormalizeCodes(req.CouponCodes), nil
}
