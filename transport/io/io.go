// Package io journals order events to an append-only NDJSON file. It
// exists for local capture and replay: a subscriber tails the journal and
// re-emits every record published on its topic, so a day of order traffic
// can be replayed against a fresh engine without any broker running.
package io

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/campusgrid/orderpulse/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "io"

// DefaultJournalPath is used when the config names no file.
const DefaultJournalPath = "order-events.journal"

// tailInterval is how long the subscriber sleeps at end of journal before
// checking for new records.
const tailInterval = 50 * time.Millisecond

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(filePath string, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return &Publisher{filePath: filePath, logger: logger}, nil
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(filePath string, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return &Subscriber{filePath: filePath, logger: logger}, nil
}

func init() {
	Register()
}

// Register adds the journal transport to the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.IOCapabilities)
}

// Build creates a journal transport from the shared config.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	filePath := cfg.GetIOFile()
	if filePath == "" {
		filePath = DefaultJournalPath
	}

	pub, err := PublisherFactory(filePath, logger)
	if err != nil {
		return transport.Transport{}, err
	}

	sub, err := SubscriberFactory(filePath, logger)
	if err != nil {
		return transport.Transport{}, err
	}

	return transport.Transport{
		Publisher:  pub,
		Subscriber: sub,
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.IOCapabilities
}

// journalRecord is one line of the journal. The topic rides along with
// every record because all topics share one file.
type journalRecord struct {
	UUID       string            `json:"uuid"`
	Topic      string            `json:"topic"`
	Metadata   map[string]string `json:"metadata"`
	Payload    []byte            `json:"payload"`
	RecordedAt time.Time         `json:"recorded_at"`
}

// Publisher appends records to the journal file.
type Publisher struct {
	filePath string
	logger   watermill.LoggerAdapter
	mu       sync.Mutex
}

// Publish appends one record per message, in call order.
func (p *Publisher) Publish(topic string, messages ...*message.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	f, err := os.OpenFile(p.filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer f.Close()

	for _, msg := range messages {
		rec := journalRecord{
			UUID:       msg.UUID,
			Topic:      topic,
			Metadata:   msg.Metadata,
			Payload:    msg.Payload,
			RecordedAt: time.Now().UTC(),
		}

		line, err := json.Marshal(rec)
		if err != nil {
			return err
		}

		if _, err := f.Write(line); err != nil {
			return err
		}
		if _, err := f.WriteString("\n"); err != nil {
			return err
		}
	}
	return nil
}

// Close is a no-op; the file is reopened per publish.
func (p *Publisher) Close() error {
	return nil
}

// Subscriber tails the journal and emits records matching its topic.
type Subscriber struct {
	filePath string
	logger   watermill.LoggerAdapter
}

// Subscribe replays the journal from the start, then keeps tailing for
// new records until the context ends.
func (s *Subscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	out := make(chan *message.Message)

	go func() {
		defer close(out)

		f, err := os.OpenFile(s.filePath, os.O_RDONLY|os.O_CREATE, 0600)
		if err != nil {
			s.logger.Error("Failed to open journal", err, nil)
			return
		}
		defer f.Close()

		var lastPos int64
		reader := bufio.NewReader(f)

		for {
			select {
			case <-ctx.Done():
				return
			default:
				line, err := reader.ReadBytes('\n')
				if err != nil {
					if err == io.EOF {
						if !s.waitForMore(f, reader, &lastPos) {
							return
						}
						continue
					}
					s.logger.Error("Failed to read journal", err, nil)
					return
				}

				currentPos, _ := f.Seek(0, io.SeekCurrent)
				lastPos = currentPos - int64(reader.Buffered())

				if !s.emit(ctx, out, line, topic) {
					return
				}
			}
		}
	}()

	return out, nil
}

// Close is a no-op; the tail goroutine exits with its context.
func (s *Subscriber) Close() error {
	return nil
}

// waitForMore parks at end of journal, then rewinds the reader to the last
// fully-consumed position so a partially-written line is re-read whole.
func (s *Subscriber) waitForMore(f *os.File, reader *bufio.Reader, lastPos *int64) bool {
	currentPos, _ := f.Seek(0, io.SeekCurrent)
	currentPos -= int64(reader.Buffered())

	if currentPos > *lastPos {
		*lastPos = currentPos
	}

	time.Sleep(tailInterval)

	if _, err := f.Seek(*lastPos, io.SeekStart); err != nil {
		s.logger.Error("Failed to seek journal", err, nil)
		return false
	}
	reader.Reset(f)
	return true
}

func (s *Subscriber) emit(ctx context.Context, out chan<- *message.Message, line []byte, topic string) bool {
	var rec journalRecord
	if err := json.Unmarshal(line, &rec); err != nil {
		s.logger.Error("Failed to unmarshal journal record", err, nil)
		return true
	}

	if rec.Topic != topic {
		return true
	}

	msg := message.NewMessage(rec.UUID, rec.Payload)
	msg.Metadata = rec.Metadata

	select {
	case out <- msg:
		select {
		case <-msg.Acked():
		case <-msg.Nacked():
			s.logger.Debug("Journal record nacked", watermill.LogFields{"uuid": msg.UUID})
		case <-ctx.Done():
			return false
		}
	case <-ctx.Done():
		return false
	}
	return true
}
