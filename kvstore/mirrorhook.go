package kvstore

import (
	"context"
	"time"

	"github.com/dshills/agentrt/obslog"
)

// Mirror receives best-effort notifications of successful store writes,
// letting an operator keep a queryable side channel (SQL, reporting)
// without it ever becoming a read path. Mirror failures are logged and
// dropped: the JSON file on disk is the only source of truth.
type Mirror interface {
	RecordWrite(ctx context.Context, storeName string, writeEpoch uint64, schemaVersion int, payload any) error
}

const mirrorTimeout = 2 * time.Second

// notifyMirror forwards one committed write to the configured mirror, if
// any. Never fails the write.
func (s *Store[T]) notifyMirror(epoch uint64, fields map[string]any) {
	if s.mirror == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
	defer cancel()
	if err := s.mirror.RecordWrite(ctx, s.name, epoch, s.schemaVer, fields); err != nil {
		s.logWarn("store mirror write failed", obslog.F("store", s.name), obslog.F("error", err.Error()))
	}
}
