// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package logstream

import (
	"context"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/tombee/cdktr/pkg/protocol"
)

// framesTopic is the single in-process topic carrying ingested log frames.
const framesTopic = "log.frames"

// Bus is the in-process pub/sub channel between the log manager's ingest
// side and its consumers (the fan-out endpoint and the persister). Every
// subscriber receives every frame.
type Bus struct {
	pubsub *gochannel.GoChannel
	logger *slog.Logger
}

// NewBus creates the frame bus. The principal owns its lifecycle and shares
// one instance between the manager and the persister.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	pubsub := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer:            1000,
		Persistent:                     false,
		BlockPublishUntilSubscriberAck: false,
	}, watermill.NewSlogLogger(logger))

	return &Bus{pubsub: pubsub, logger: logger}
}

// Publish puts one frame on the bus.
func (b *Bus) Publish(frame *protocol.LogFrame) error {
	payload, err := frame.Marshal()
	if err != nil {
		return err
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	return b.pubsub.Publish(framesTopic, msg)
}

// Subscribe returns a channel of frames delivered in publish order until ctx
// is canceled, at which point the channel closes. Payloads that do not parse
// as frames are logged and skipped.
func (b *Bus) Subscribe(ctx context.Context) (<-chan *protocol.LogFrame, error) {
	msgs, err := b.pubsub.Subscribe(ctx, framesTopic)
	if err != nil {
		return nil, err
	}

	out := make(chan *protocol.LogFrame)
	go func() {
		defer close(out)
		for msg := range msgs {
			frame, err := protocol.ParseFrame(msg.Payload)
			if err != nil {
				b.logger.Warn("skipping malformed frame on log bus",
					"message_id", msg.UUID,
					"error", err,
				)
				msg.Ack()
				continue
			}

			select {
			case out <- frame:
				msg.Ack()
			case <-ctx.Done():
				msg.Nack()
				return
			}
		}
	}()

	return out, nil
}

// Close shuts the bus down; subscriber channels close after it returns.
func (b *Bus) Close() error {
	return b.pubsub.Close()
}
