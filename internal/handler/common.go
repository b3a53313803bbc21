package handler

import (
	"encoding/json"
	"net/http"

	"github.com/shopspring/decimal"

	"atomic-transfers/internal/errors"
)

// Response is the envelope of every API body. Status carries the outcome
// label: "ok", "committed", or the Outcome of an error.
type Response struct {
	Status string      `json:"status"`
	Data   interface{} `json:"data,omitempty"`
	Error  *Error      `json:"error,omitempty"`
}

type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

const statusOK = "ok"

func writeJSON(w http.ResponseWriter, statusCode int, status string, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	json.NewEncoder(w).Encode(Response{Status: status, Data: data})
}

func writeError(w http.ResponseWriter, err error) {
	writeErrorWithData(w, err, nil)
}

// writeErrorWithData reports err and still returns data, used for recorded
// transfer failures.
func writeErrorWithData(w http.ResponseWriter, err error, data interface{}) {
	appErr := errors.From(err)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(appErr.HTTPStatus())

	json.NewEncoder(w).Encode(Response{
		Status: appErr.Outcome(),
		Data:   data,
		Error: &Error{
			Code:    string(appErr.Code),
			Message: appErr.Message,
			Details: appErr.Details,
		},
	})
}

// parseMinorUnits accepts a JSON number or numeric string holding a whole
// number of minor currency units that fits in an int64.
func parseMinorUnits(n json.Number, field string) (int64, error) {
	if n == "" {
		return 0, errors.ErrInvalidAmount.WithDetails(field + " is required")
	}

	d, err := decimal.NewFromString(n.String())
	if err != nil {
		return 0, errors.ErrInvalidAmount.WithDetails(field + " is not a number")
	}
	if !d.IsInteger() {
		return 0, errors.ErrInvalidAmount.WithDetails(field + " must be a whole number of minor units")
	}
	if !d.BigInt().IsInt64() {
		return 0, errors.ErrInvalidAmount.WithDetails(field + " is out of range")
	}
	return d.IntPart(), nil
}

// formatMinorUnits renders an amount of minor units as a decimal string with
// exponent fractional digits.
func formatMinorUnits(amount int64, exponent int32) string {
	return decimal.New(amount, -exponent).StringFixed(exponent)
}

func decodeBody(r *http.Request, v interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.UseNumber()
	if err := decoder.Decode(v); err != nil {
		return errors.NewAppError(errors.InvalidInput, "invalid request body").WithDetails(err.Error())
	}
	return nil
}
