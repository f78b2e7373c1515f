package xerr

import (
	"errors"
	"fmt"
	"net/http"
)

// Business codes returned in the API envelope.
const (
	OK                 = 200
	ServerCommonError  = 500
	RequestParamsError = 400
	RecordNotFound     = 404
	TooManyRequests    = 429
	StoreError         = 501
	UnknownInstrument  = 1001002
	UnknownSink        = 1001003
	NoQuoteYet         = 1004002
)

type CodeError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func (e *CodeError) Error() string {
	return fmt.Sprintf("ErrCode:%d, Msg:%s", e.Code, e.Msg)
}

func New(code int, msg string) error {
	return &CodeError{Code: code, Msg: msg}
}

func NewErrCode(code int) error {
	return &CodeError{Code: code, Msg: MapErrMsg(code)}
}

func MapErrMsg(code int) string {
	switch code {
	case ServerCommonError:
		return "internal error"
	case RequestParamsError:
		return "invalid parameters"
	case StoreError:
		return "store busy"
	case RecordNotFound:
		return "record not found"
	case TooManyRequests:
		return "too many requests"
	case UnknownInstrument:
		return "unknown instrument"
	case UnknownSink:
		return "unknown sink"
	case NoQuoteYet:
		return "no quote admitted yet"
	default:
		return "unknown error"
	}
}

// HTTPStatus maps a business code to the status the API answers with.
func HTTPStatus(code int) int {
	switch code {
	case RequestParamsError:
		return http.StatusBadRequest
	case RecordNotFound, UnknownInstrument, UnknownSink, NoQuoteYet:
		return http.StatusNotFound
	case TooManyRequests:
		return http.StatusTooManyRequests
	case StoreError:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// FromError unwraps a CodeError, falling back to ServerCommonError.
func FromError(err error) *CodeError {
	var ce *CodeError
	if errors.As(err, &ce) {
		return ce
	}
	return &CodeError{Code: ServerCommonError, Msg: MapErrMsg(ServerCommonError)}
}
