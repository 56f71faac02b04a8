package azure

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"

	cdncert "github.com/caasmo/restinpieces-cdncert"
)

// classify maps a 404 response to cdncert.ErrNotFound and shortens every
// other response error to method, URL, status and error code.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var respErr *azcore.ResponseError
	if !errors.As(err, &respErr) {
		return err
	}
	if respErr.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", cdncert.ErrNotFound, describe(respErr))
	}
	return &RequestError{StatusCode: respErr.StatusCode, Code: respErr.ErrorCode, Summary: describe(respErr), Cause: err}
}

// RequestError is a non-404 Azure response error.
type RequestError struct {
	StatusCode int
	Code       string
	Summary    string
	Cause      error
}

func (e *RequestError) Error() string { return e.Summary }

func (e *RequestError) Unwrap() error { return e.Cause }

func describe(respErr *azcore.ResponseError) string {
	code := respErr.ErrorCode
	if code == "" {
		code = "ERROR CODE UNAVAILABLE"
	}
	if respErr.RawResponse != nil && respErr.RawResponse.Request != nil {
		req := respErr.RawResponse.Request
		return fmt.Sprintf("%s %s://%s%s: RESPONSE %d: %s", req.Method, req.URL.Scheme, req.URL.Host, req.URL.Path, respErr.StatusCode, code)
	}
	return fmt.Sprintf("RESPONSE %d: %s", respErr.StatusCode, code)
}
