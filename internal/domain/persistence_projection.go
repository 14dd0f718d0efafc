package domain

import (
	"context"

	"github.com/inspectlink/inspectlink/internal/bus"
	"github.com/inspectlink/inspectlink/internal/connectors"
)

// WriteQueue serializes persistence writes from async domain events.
type WriteQueue interface {
	Enqueue(name string, fn func(context.Context) error)
}

// StartPersistenceProjection stores every record the inspector accepts.
func StartPersistenceProjection(ctx context.Context, b bus.MessageBus, queue WriteQueue, recordRepo RecordRepository, sessionRepo SessionRepository) {
	recordSub := b.Subscribe(connectors.TopicRecordIn)

	go func() {
		defer b.Unsubscribe(recordSub, connectors.TopicRecordIn)
		for {
			select {
			case <-ctx.Done():
				return
			case raw, ok := <-recordSub:
				if !ok {
					return
				}
				received, ok := raw.(ReceivedRecord)
				if !ok {
					continue
				}
				copyReceived := received
				queue.Enqueue("insert_record", func(writeCtx context.Context) error {
					if _, err := recordRepo.Insert(writeCtx, copyReceived); err != nil {
						return err
					}

					return sessionRepo.Touch(writeCtx, copyReceived)
				})
			}
		}
	}()
}
