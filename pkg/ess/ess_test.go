package ess

import (
	"log/slog"

	"github.com/wattplan/wattplan/pkg/log"
	"github.com/wattplan/wattplan/pkg/storage/storagemock"
)

type mockStorage = storagemock.MockDatabase

func init() {
	log.SetDefaultLogLevel(slog.LevelError)
}
