package http

import (
	"context"
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	watermillhttp "github.com/ThreeDotsLabs/watermill-http/v2/pkg/http"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campusgrid/orderpulse/transport"
)

type stubConfig struct {
	transport.Config
	serverAddr   string
	publisherURL string
}

func (c stubConfig) GetHTTPServerAddress() string { return c.serverAddr }
func (c stubConfig) GetHTTPPublisherURL() string  { return c.publisherURL }

type nopPublisher struct{}

func (nopPublisher) Publish(topic string, messages ...*message.Message) error { return nil }
func (nopPublisher) Close() error                                             { return nil }

type nopSubscriber struct{}

func (nopSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	return make(chan *message.Message), nil
}
func (nopSubscriber) Close() error { return nil }

func TestRegister(t *testing.T) {
	transport.DefaultRegistry = transport.NewRegistry()
	Register()

	caps := transport.GetCapabilities(TransportName)
	assert.Equal(t, "http", caps.Name)
	// A webhook POST carries no ack protocol; delivery is best effort.
	assert.False(t, caps.SupportsReliableDelivery())
	assert.True(t, caps.RequiresDLQEmulation())
}

func TestCapabilities(t *testing.T) {
	assert.Equal(t, transport.HTTPCapabilities, Capabilities())
}

func TestBuildRoutesTopicsUnderPublisherURL(t *testing.T) {
	origPub, origSub := PublisherFactory, SubscriberFactory
	defer func() {
		PublisherFactory, SubscriberFactory = origPub, origSub
	}()

	pub := nopPublisher{}
	sub := nopSubscriber{}

	PublisherFactory = func(cfg watermillhttp.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
		// Each topic becomes a path below the receiver base URL.
		msg := message.NewMessage("M-100", []byte(`{"message_id":"M-100"}`))
		req, err := cfg.MarshalMessageFunc("orderpulse.order.transitions", msg)
		require.NoError(t, err)
		assert.Equal(t, "http://notify.campus.local/hooks/orderpulse.order.transitions", req.URL.String())
		return pub, nil
	}
	SubscriberFactory = func(addr string, cfg watermillhttp.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
		assert.Equal(t, ":8087", addr)
		return sub, nil
	}

	cfg := stubConfig{
		serverAddr:   ":8087",
		publisherURL: "http://notify.campus.local/hooks/",
	}
	tr, err := Build(context.Background(), cfg, watermill.NopLogger{})

	require.NoError(t, err)
	assert.Equal(t, pub, tr.Publisher)
	assert.Equal(t, sub, tr.Subscriber)
}

func TestBuildFactoryErrors(t *testing.T) {
	origPub, origSub := PublisherFactory, SubscriberFactory
	defer func() {
		PublisherFactory, SubscriberFactory = origPub, origSub
	}()

	t.Run("publisher failure", func(t *testing.T) {
		PublisherFactory = func(cfg watermillhttp.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
			return nil, errors.New("bad publisher config")
		}

		_, err := Build(context.Background(), stubConfig{}, watermill.NopLogger{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "bad publisher config")
	})

	t.Run("subscriber failure", func(t *testing.T) {
		PublisherFactory = func(cfg watermillhttp.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
			return nopPublisher{}, nil
		}
		SubscriberFactory = func(addr string, cfg watermillhttp.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
			return nil, errors.New("listener unavailable")
		}

		_, err := Build(context.Background(), stubConfig{serverAddr: ":0"}, watermill.NopLogger{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "listener unavailable")
	})
}
