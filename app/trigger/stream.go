package trigger

import (
	"context"

	"github.com/b3x-data/b3x/pkg/event"
	"github.com/b3x-data/b3x/pkg/redis"
	"go.uber.org/zap"
)

// StreamHandler dispatches the S3 event carried in a stream entry's data field. The entry is
// acknowledged once every record has been handled; undecodable entries are acknowledged and dropped.
func StreamHandler(d *Dispatcher, logger *zap.Logger) redis.MessageHandler {
	return func(ctx context.Context, msg redis.Message) error {
		data := msg.GetData()
		if data == nil {
			logger.Warn("stream entry without data field dropped", zap.String("id", msg.ID))
			return nil
		}
		ns, err := event.ParseS3Event(data)
		if err != nil {
			logger.Warn("undecodable stream entry dropped", zap.String("id", msg.ID), zap.Error(err))
			return nil
		}
		d.DispatchAll(ctx, ns)
		return ctx.Err()
	}
}
