package audit

import (
	"context"
	"fmt"
)

type Store interface {
	InsertComplianceLog(ctx context.Context, event Event) error
}

// StoreSink writes events to the compliance_logs table.
type StoreSink struct {
	store Store
}

func NewStoreSink(store Store) *StoreSink {
	return &StoreSink{store: store}
}

func (s *StoreSink) Record(ctx context.Context, event Event) error {
	if s == nil || s.store == nil {
		return nil
	}
	if err := s.store.InsertComplianceLog(ctx, event); err != nil {
		return fmt.Errorf("insert compliance log: %w", err)
	}
	return nil
}
