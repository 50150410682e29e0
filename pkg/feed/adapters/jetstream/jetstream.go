// Package jetstream provides a NATS JetStream-backed feed. The stream's
// server-assigned sequence doubles as the change index, which keeps appends
// serialized and reads gap-free without any bookkeeping of our own.
package jetstream

import (
	"context"
	"encoding/json"

	"github.com/nats-io/nats.go"

	"github.com/chris-alexander-pop/context-reshare/pkg/concurrency"
	"github.com/chris-alexander-pop/context-reshare/pkg/errors"
	"github.com/chris-alexander-pop/context-reshare/pkg/feed"
	"github.com/chris-alexander-pop/context-reshare/pkg/logger"
)

// Config holds configuration for the JetStream adapter.
type Config struct {
	// URL is the NATS server URL.
	URL string `env:"FEED_NATS_URL" env-default:"nats://localhost:4222"`

	// Stream is the JetStream stream name.
	Stream string `env:"FEED_NATS_STREAM" env-default:"changes"`

	// Subject is the single subject all changes are published on.
	Subject string `env:"FEED_NATS_SUBJECT" env-default:"changes.entry"`
}

type Feed struct {
	cfg Config
	nc  *nats.Conn
	js  nats.JetStreamContext
}

// New connects to NATS and ensures the stream exists.
func New(cfg Config) (*Feed, error) {
	nc, err := nats.Connect(cfg.URL)
	if err != nil {
		return nil, errors.New(errors.CodeUnavailable, "jetstream: connect failed", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, errors.New(errors.CodeUnavailable, "jetstream: context failed", err)
	}

	if _, err := js.StreamInfo(cfg.Stream); err != nil {
		if !errors.Is(err, nats.ErrStreamNotFound) {
			nc.Close()
			return nil, errors.New(errors.CodeUnavailable, "jetstream: stream info failed", err)
		}
		_, err = js.AddStream(&nats.StreamConfig{
			Name:     cfg.Stream,
			Subjects: []string{cfg.Subject},
		})
		if err != nil {
			nc.Close()
			return nil, errors.New(errors.CodeUnavailable, "jetstream: stream create failed", err)
		}
	}

	return &Feed{cfg: cfg, nc: nc, js: js}, nil
}

func (f *Feed) Append(ctx context.Context, v feed.ChangeValue) (uint64, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return 0, errors.Wrap(err, "jetstream: marshal failed")
	}
	ack, err := f.js.Publish(f.cfg.Subject, data, nats.Context(ctx))
	if err != nil {
		return 0, errors.New(errors.CodeUnavailable, "jetstream: publish failed", err)
	}
	// Stream sequences are 1-based, same as change indexes.
	return ack.Sequence, nil
}

func (f *Feed) Read(ctx context.Context, opts feed.ReadOptions) (*feed.Stream, error) {
	subOpts := []nats.SubOpt{nats.OrderedConsumer()}
	if opts.After == 0 {
		subOpts = append(subOpts, nats.DeliverAll())
	} else {
		subOpts = append(subOpts, nats.StartSequence(opts.After+1))
	}

	// For non-live reads, note where the stream ends right now; entries past
	// that mark belong to the tail.
	var until uint64
	if !opts.Live {
		info, err := f.js.StreamInfo(f.cfg.Stream)
		if err != nil {
			return nil, errors.New(errors.CodeUnavailable, "jetstream: stream info failed", err)
		}
		until = info.State.LastSeq
		if until <= opts.After {
			stream := concurrency.NewStream[feed.Entry](1, nil)
			stream.End()
			return stream, nil
		}
	}

	sub, err := f.js.SubscribeSync(f.cfg.Subject, subOpts...)
	if err != nil {
		return nil, errors.New(errors.CodeUnavailable, "jetstream: subscribe failed", err)
	}

	stream := concurrency.NewStream[feed.Entry](16, func() {
		if err := sub.Unsubscribe(); err != nil {
			logger.L().DebugContext(ctx, "jetstream unsubscribe failed", "error", err)
		}
	})

	go func() {
		defer stream.End()
		for {
			select {
			case <-stream.Done():
				return
			case <-ctx.Done():
				return
			default:
			}

			msg, err := sub.NextMsgWithContext(ctx)
			if err != nil {
				if !errors.Is(err, context.Canceled) && !errors.Is(err, nats.ErrBadSubscription) {
					stream.Fail(errors.New(errors.CodeUnavailable, "jetstream: read failed", err))
				}
				return
			}

			meta, err := msg.Metadata()
			if err != nil {
				stream.Fail(errors.Wrap(err, "jetstream: message metadata failed"))
				return
			}

			var v feed.ChangeValue
			if err := json.Unmarshal(msg.Data, &v); err != nil {
				stream.Fail(errors.Wrap(err, "jetstream: unmarshal failed"))
				return
			}

			e := feed.Entry{Change: meta.Sequence.Stream, Value: v}
			if !stream.Send(ctx, e) {
				return
			}
			if until > 0 && e.Change >= until {
				return
			}
		}
	}()

	return stream, nil
}

func (f *Feed) Close() error {
	f.nc.Close()
	return nil
}
