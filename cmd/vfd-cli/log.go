package main

import (
	"fmt"
	"log/slog"
	"strings"
)

type debugAdapter struct {
	*slog.Logger
}

func (log *debugAdapter) Printf(msg string, args ...any) {
	log.Logger.Debug(strings.TrimSpace(fmt.Sprintf(msg, args...)))
}
