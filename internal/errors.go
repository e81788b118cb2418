package internal

import (
	"fmt"
	"net/http"
)

// statusErr is an error that maps directly to an HTTP status code.
type statusErr int

func (s statusErr) Error() string {
	return fmt.Sprintf("%d: %s", int(s), http.StatusText(int(s)))
}

func (s statusErr) status() int { return int(s) }

var (
	errNotFound     = statusErr(http.StatusNotFound)
	errBadRequest   = statusErr(http.StatusBadRequest)
	errUnauthorized = statusErr(http.StatusUnauthorized)
	errForbidden    = statusErr(http.StatusForbidden)
)
