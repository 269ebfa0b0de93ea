package checkout

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	formcodec "github.com/go-playground/form/v4"

	"github.com/MarcGrol/orderbackend/lib/myerrors"
)

// CheckoutRequest is the external schema of a basket checkout. Amounts are
// integer minor units (cents), never floats.
type CheckoutRequest struct {
	CustomerUID        string         `json:"customerId" form:"customerId"`
	Items              []CheckoutItem `json:"items" form:"items"`
	CheckoutTimestamp  time.Time      `json:"checkoutTimestamp" form:"checkoutTimestamp"`
	BasketLastModified *time.Time     `json:"basketLastModified,omitempty" form:"basketLastModified"`
}

type CheckoutItem struct {
	ProductUID       string `json:"productId" form:"productId"`
	Quantity         int    `json:"quantity" form:"quantity"`
	UnitPriceInCents int64  `json:"unitPrice" form:"unitPrice"`
}

func NewFromRequest(r *http.Request) (CheckoutRequest, error) {
	if strings.Contains(r.Header.Get("Content-Type"), "application/json") {
		request := CheckoutRequest{}
		err := json.NewDecoder(r.Body).Decode(&request)
		if err != nil {
			return CheckoutRequest{}, myerrors.NewInvalidInputError(fmt.Errorf("error decoding json: %s", err))
		}
		return request, nil
	}

	err := r.ParseForm()
	if err != nil {
		return CheckoutRequest{}, myerrors.NewInvalidInputError(err)
	}
	return NewFromValues(r.Form)
}

func NewFromValues(values url.Values) (CheckoutRequest, error) {
	request := CheckoutRequest{}
	err := formcodec.NewDecoder().Decode(&request, values)
	if err != nil {
		return request, myerrors.NewInvalidInputError(fmt.Errorf("error decoding form: %s", err))
	}

	return request, nil
}
