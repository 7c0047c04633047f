package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/mahaj/roomchat/pkg/broadcast"
	"github.com/mahaj/roomchat/pkg/model"
)

// DefaultGroup is the consumer group shared by all projector replicas, so
// each event is archived once.
const DefaultGroup = "archive-projector"

// Sink is where projected events land.
type Sink interface {
	Put(ctx context.Context, m model.Message) error
	Edit(ctx context.Context, e model.MessageEdited) error
	Delete(ctx context.Context, d model.MessageDeleted) error
}

// Project applies one envelope to sink. Envelopes that do not change the
// timeline are skipped and report false.
func Project(ctx context.Context, sink Sink, env broadcast.Envelope) (bool, error) {
	if env.Scope != broadcast.ScopeRoom {
		return false, nil
	}
	switch env.Event {
	case model.EventNewMessage:
		var m model.Message
		if err := json.Unmarshal(env.Data, &m); err != nil {
			return false, fmt.Errorf("decode %s: %w", env.Event, err)
		}
		return true, sink.Put(ctx, m)
	case model.EventMessageEdited:
		var e model.MessageEdited
		if err := json.Unmarshal(env.Data, &e); err != nil {
			return false, fmt.Errorf("decode %s: %w", env.Event, err)
		}
		return true, sink.Edit(ctx, e)
	case model.EventMessageDeleted:
		var d model.MessageDeleted
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return false, fmt.Errorf("decode %s: %w", env.Event, err)
		}
		return true, sink.Delete(ctx, d)
	}
	return false, nil
}

// Projector consumes the gateway topic into a Sink.
type Projector struct {
	reader *kafka.Reader
	sink   Sink
	log    zerolog.Logger
}

func NewProjector(brokers []string, topic, groupID string, sink Sink, logger zerolog.Logger) *Projector {
	if groupID == "" {
		groupID = DefaultGroup
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 10e3, // 10KB
		MaxBytes: 10e6, // 10MB
		MaxWait:  time.Second,
	})
	return &Projector{reader: r, sink: sink, log: logger}
}

// Run archives events until ctx is done. Offsets are committed only after
// the sink accepted the event, so a failed write is retried.
func (p *Projector) Run(ctx context.Context) error {
	for {
		m, err := p.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			p.log.Warn().Err(err).Msg("error reading from kafka, retrying in 1s")
			if !sleep(ctx, time.Second) {
				return nil
			}
			continue
		}

		var env broadcast.Envelope
		if err := json.Unmarshal(m.Value, &env); err != nil {
			p.log.Error().Err(err).Int64("offset", m.Offset).Msg("skipping undecodable envelope")
			p.commit(ctx, m)
			continue
		}

		for {
			applied, err := Project(ctx, p.sink, env)
			if err == nil {
				if applied {
					p.log.Debug().Str("event", string(env.Event)).Int64("room_id", env.RoomID).Msg("archived")
				}
				break
			}
			p.log.Error().Err(err).Str("event", string(env.Event)).Int64("room_id", env.RoomID).Msg("archive write failed")
			if !sleep(ctx, time.Second) {
				return nil
			}
		}
		p.commit(ctx, m)
	}
}

func (p *Projector) commit(ctx context.Context, m kafka.Message) {
	if err := p.reader.CommitMessages(ctx, m); err != nil && !errors.Is(err, context.Canceled) {
		p.log.Warn().Err(err).Int64("offset", m.Offset).Msg("commit offset")
	}
}

func (p *Projector) Close() error {
	return p.reader.Close()
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
