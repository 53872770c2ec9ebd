package engine

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/campusgrid/orderpulse/internal/ids"
	"github.com/campusgrid/orderpulse/internal/jsoncodec"
	"github.com/campusgrid/orderpulse/internal/logging"
	"github.com/campusgrid/orderpulse/internal/metadata"
	"github.com/campusgrid/orderpulse/internal/xerrors"
)

// JSONHandlerRegistration wires a typed JSON handler to the router.
type JSONHandlerRegistration[T any, O any] struct {
	Name         string
	ConsumeQueue string
	PublishQueue string
	Handler      JSONMessageHandler[T, O]
}

// JSONMessageContext exposes the incoming payload and metadata for JSON
// handlers.
type JSONMessageContext[T any] struct {
	Payload  T
	Metadata metadata.Metadata
	Logger   logging.ServiceLogger
}

// CloneMetadata copies the current metadata map so handlers can mutate
// headers safely.
func (c JSONMessageContext[T]) CloneMetadata() metadata.Metadata {
	return c.Metadata.Clone()
}

// CorrelationID returns the correlation ID from metadata, if present.
func (c JSONMessageContext[T]) CorrelationID() string {
	return c.Metadata[metadata.KeyCorrelationID]
}

// JSONMessageOutput represents an event emitted by a JSON handler.
type JSONMessageOutput[T any] struct {
	Message  T
	Metadata metadata.Metadata
}

// JSONMessageHandler processes a JSON payload and returns the events to
// publish.
type JSONMessageHandler[T any, O any] func(ctx context.Context, event JSONMessageContext[T]) ([]JSONMessageOutput[O], error)

// RegisterJSONHandler converts the typed JSON handler into a Watermill
// handler and registers it.
func RegisterJSONHandler[T any, O any](svc *Service, cfg JSONHandlerRegistration[T, O]) error {
	if svc == nil {
		return xerrors.ErrServiceRequired
	}

	wrapped, err := BuildJSONHandler(cfg.Handler, svc.Logger)
	if err != nil {
		return err
	}

	return svc.registerHandler(handlerRegistration{
		Name:         cfg.Name,
		ConsumeQueue: cfg.ConsumeQueue,
		PublishQueue: cfg.PublishQueue,
		Handler:      wrapped,
	})
}

// BuildJSONHandler converts a typed JSON handler into a Watermill handler.
// Decode failures are wrapped as UnprocessableEventError so they surface as
// validation failures and reach the dead-letter topic once retries are
// exhausted.
func BuildJSONHandler[T any, O any](handler JSONMessageHandler[T, O], logger logging.ServiceLogger) (message.HandlerFunc, error) {
	if handler == nil {
		return nil, xerrors.ErrHandlerRequired
	}

	prototypeFactory, err := jsonPrototypeFactory[T]()
	if err != nil {
		return nil, err
	}

	return func(msg *message.Message) ([]*message.Message, error) {
		typed := prototypeFactory()

		if err := jsoncodec.Unmarshal(msg.Payload, typed); err != nil {
			return nil, NewUnprocessableEventError(string(msg.Payload), err)
		}

		ctx := JSONMessageContext[T]{
			Payload:  typed,
			Metadata: metadata.FromWatermill(msg.Metadata),
			Logger:   logger,
		}

		outgoing, err := handler(msg.Context(), ctx)
		if err != nil {
			return nil, err
		}

		return convertJSONOutputs(outgoing, ctx.Metadata)
	}, nil
}

func jsonPrototypeFactory[T any]() (func() T, error) {
	var zero T
	typ := reflect.TypeOf(zero)
	if typ == nil {
		return nil, xerrors.ErrPayloadPointer
	}
	if typ.Kind() != reflect.Ptr {
		return nil, xerrors.ErrPayloadPointer
	}
	elem := typ.Elem()
	return func() T {
		clone := reflect.New(elem).Interface()
		return clone.(T)
	}, nil
}

func convertJSONOutputs[T any](outputs []JSONMessageOutput[T], fallback metadata.Metadata) ([]*message.Message, error) {
	if len(outputs) == 0 {
		return nil, nil
	}

	result := make([]*message.Message, len(outputs))
	for i, out := range outputs {
		if reflect.ValueOf(out.Message).IsZero() {
			return nil, errors.New("json handler emitted zero-value message")
		}

		payload, err := jsoncodec.Marshal(out.Message)
		if err != nil {
			return nil, err
		}

		md := out.Metadata
		if md == nil {
			md = fallback
		}
		if md == nil {
			md = metadata.Metadata{}
		}
		md = md.Clone()
		md[metadata.KeyMessageType] = fmt.Sprintf("%T", out.Message)

		msg := message.NewMessage(ids.NewMessageID(), payload)
		msg.Metadata = metadata.ToWatermill(md)
		result[i] = msg
	}

	return result, nil
}
