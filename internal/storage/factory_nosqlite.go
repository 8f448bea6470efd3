//go:build !sqlite

package storage

import "errors"

var errSQLiteUnavailable = errors.New("sqlite store is not compiled in; build with -tags sqlite or use the badger backend")

func newSQLiteStore(_ string) (Store, error) {
	return nil, errSQLiteUnavailable
}
