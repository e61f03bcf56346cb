//go:build !sqlite
// +build !sqlite

package storage

import (
	"relaybot/internal/broadcast"
	"relaybot/pkg/logx"
)

// Built without the "sqlite" tag: the driver is unavailable.
func openSQLite(cfg Config, log logx.Logger) (broadcast.StateStore, error) {
	_ = cfg
	_ = log
	return nil, ErrDisabled
}
