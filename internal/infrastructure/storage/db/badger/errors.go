package dbbadger

import (
	"errors"

	"github.com/timshannon/badgerhold/v4"
)

func isNotFound(err error) bool {
	return errors.Is(err, badgerhold.ErrNotFound)
}
