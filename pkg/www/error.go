package www

import (
	"fmt"
	"net/http"
)

// HTTPError is an object that can be panic'ed, and the outer HTTP handler
// will return the appropriate HTTP error message.
type HTTPError struct {
	Code    int
	Message string
}

func (e HTTPError) Error() string {
	return fmt.Sprintf("%v %v", e.Code, e.Message)
}

// PanicNotFoundf panics with a 404 Not Found.
func PanicNotFoundf(format string, args ...interface{}) {
	panic(HTTPError{http.StatusNotFound, fmt.Sprintf(format, args...)})
}

// PanicServerErrorf panics with a 500 Internal Server Error.
func PanicServerErrorf(format string, args ...interface{}) {
	panic(HTTPError{http.StatusInternalServerError, fmt.Sprintf(format, args...)})
}
