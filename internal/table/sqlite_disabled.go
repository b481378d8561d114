//go:build !sqlite
// +build !sqlite

package table

import (
	"errors"

	logx "tablerun/pkg/logx"
)

func openSQLite(cfg Config, log logx.Logger) (Table, error) {
	_ = cfg
	_ = log
	return nil, errors.New("sqlite table driver not built: build with -tags sqlite")
}
