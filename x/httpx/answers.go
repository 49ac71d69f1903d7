package httpx

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

type MiddleWareFunc func(http.Handler) http.Handler

type ErrorAnswBody struct {
	Code       string `json:"code"`
	StatusCode int    `json:"statusCode"`
	Details    string `json:"details"`
}

type ErrorAnsw struct {
	Body ErrorAnswBody `json:"error"`
}

func (e ErrorAnsw) Error() string {
	return fmt.Sprintf("error %s: %s", e.Body.Code, e.Body.Details)
}

func (e *ErrorAnsw) WriteJSON(w http.ResponseWriter) error {
	res, err := json.Marshal(e)
	if err != nil {
		return errors.Wrap(err, "marshal answer")
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Body.StatusCode)
	if _, err := w.Write(res); err != nil {
		return errors.Wrap(err, "write data to connection")
	}

	return nil
}

type ResultAnsw struct {
	Body interface{} `json:"result"`
}

func (answ *ResultAnsw) WriteJSON(w http.ResponseWriter) error {
	res, err := json.Marshal(answ)
	if err != nil {
		return errors.Wrap(err, "marshal answer")
	}

	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(res); err != nil {
		return errors.Wrap(err, "write data to connection")
	}

	return nil
}

// OkResult return OK answer
func OkResult() ResultAnsw {
	return ResultAnsw{Body: "OK"}
}

// WriteErrAnswer writes failed dependency check answer.
func WriteErrAnswer(ctx context.Context, w http.ResponseWriter, err error, code string) {
	answ := NewErrorAnsw(http.StatusServiceUnavailable, code, err)
	if errWriteJSON := answ.WriteJSON(w); errWriteJSON != nil {
		zerolog.Ctx(ctx).Err(errWriteJSON).Msg("write json")
	}
}

// NewErrorAnsw create new ErrorAnsw and fills it withcode, statuscode, details
func NewErrorAnsw(statusCode int, code string, err error) ErrorAnsw {
	return ErrorAnsw{
		Body: ErrorAnswBody{
			Code:       strings.ToUpper(strings.ReplaceAll(code, " ", "_")),
			StatusCode: statusCode,
			Details:    err.Error(),
		},
	}
}
