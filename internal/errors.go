package internal

import (
	"fmt"
)

var (
	ErrBadRequest = fmt.Errorf("bad request")
	ErrForbidden  = fmt.Errorf("forbidden")

	ErrDuplicate = fmt.Errorf("duplicate record")
	ErrNotFound  = fmt.Errorf("record not found")

	ErrNotImplemented = fmt.Errorf("not implemented")
)
