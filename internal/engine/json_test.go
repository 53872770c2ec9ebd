package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/campusgrid/orderpulse/internal/jsoncodec"
	"github.com/campusgrid/orderpulse/internal/logging"
	"github.com/campusgrid/orderpulse/internal/metadata"
	"github.com/campusgrid/orderpulse/internal/xerrors"
)

type pickupRequest struct {
	OrderID string `json:"order_id"`
	UserID  string `json:"user_id"`
}

type pickupReceipt struct {
	OrderID  string `json:"order_id"`
	Accepted bool   `json:"accepted"`
}

func TestBuildJSONHandlerValidation(t *testing.T) {
	if _, err := BuildJSONHandler[*pickupRequest, *pickupReceipt](nil, logging.Nop()); !errors.Is(err, xerrors.ErrHandlerRequired) {
		t.Fatalf("expected ErrHandlerRequired, got %v", err)
	}

	nonPointer := func(ctx context.Context, event JSONMessageContext[pickupRequest]) ([]JSONMessageOutput[*pickupReceipt], error) {
		return nil, nil
	}
	if _, err := BuildJSONHandler(nonPointer, logging.Nop()); !errors.Is(err, xerrors.ErrPayloadPointer) {
		t.Fatalf("expected ErrPayloadPointer, got %v", err)
	}
}

func TestBuildJSONHandlerDecodeFailure(t *testing.T) {
	handler, err := BuildJSONHandler(func(ctx context.Context, event JSONMessageContext[*pickupRequest]) ([]JSONMessageOutput[*pickupReceipt], error) {
		t.Fatal("handler must not run on a decode failure")
		return nil, nil
	}, logging.Nop())
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}

	_, err = handler(message.NewMessage("m1", []byte("{not json")))
	var unprocessable *UnprocessableEventError
	if !errors.As(err, &unprocessable) {
		t.Fatalf("expected UnprocessableEventError, got %v", err)
	}
	if defaultErrorClassifier(err) != ErrorCategoryValidation {
		t.Fatal("decode failures should classify as validation errors")
	}
}

func TestBuildJSONHandlerConvertsOutputs(t *testing.T) {
	handler, err := BuildJSONHandler(func(ctx context.Context, event JSONMessageContext[*pickupRequest]) ([]JSONMessageOutput[*pickupReceipt], error) {
		md := event.CloneMetadata()
		md["station"] = "north-desk"
		return []JSONMessageOutput[*pickupReceipt]{{
			Message:  &pickupReceipt{OrderID: event.Payload.OrderID, Accepted: true},
			Metadata: md,
		}}, nil
	}, logging.Nop())
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}

	in := message.NewMessage("m1", []byte(`{"order_id":"ord-77","user_id":"alice"}`))
	in.Metadata.Set(metadata.KeyCorrelationID, "corr-1")

	out, err := handler(in)
	if err != nil {
		t.Fatalf("handler failed: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("expected one outgoing message, got %d", len(out))
	}

	var receipt pickupReceipt
	if err := jsoncodec.Unmarshal(out[0].Payload, &receipt); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if receipt.OrderID != "ord-77" || !receipt.Accepted {
		t.Fatalf("unexpected receipt %+v", receipt)
	}

	if got := out[0].Metadata.Get(metadata.KeyCorrelationID); got != "corr-1" {
		t.Fatalf("correlation ID lost, got %q", got)
	}
	if got := out[0].Metadata.Get("station"); got != "north-desk" {
		t.Fatalf("handler metadata lost, got %q", got)
	}
	if got := out[0].Metadata.Get(metadata.KeyMessageType); got != "*engine.pickupReceipt" {
		t.Fatalf("message type = %q", got)
	}
	if out[0].UUID == in.UUID {
		t.Fatal("outgoing messages need fresh IDs")
	}
}

func TestBuildJSONHandlerRejectsZeroOutput(t *testing.T) {
	handler, err := BuildJSONHandler(func(ctx context.Context, event JSONMessageContext[*pickupRequest]) ([]JSONMessageOutput[*pickupReceipt], error) {
		return []JSONMessageOutput[*pickupReceipt]{{Message: nil}}, nil
	}, logging.Nop())
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}

	if _, err := handler(message.NewMessage("m1", []byte(`{}`))); err == nil {
		t.Fatal("expected an error for a nil output message")
	}
}

func TestBuildJSONHandlerMetadataFallback(t *testing.T) {
	handler, err := BuildJSONHandler(func(ctx context.Context, event JSONMessageContext[*pickupRequest]) ([]JSONMessageOutput[*pickupReceipt], error) {
		return []JSONMessageOutput[*pickupReceipt]{{
			Message: &pickupReceipt{OrderID: "ord-1"},
		}}, nil
	}, logging.Nop())
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}

	in := message.NewMessage("m1", []byte(`{"order_id":"ord-1"}`))
	in.Metadata.Set(metadata.KeyCorrelationID, "corr-9")

	out, err := handler(in)
	if err != nil {
		t.Fatalf("handler failed: %v", err)
	}
	// Outputs with no metadata inherit the incoming headers.
	if got := out[0].Metadata.Get(metadata.KeyCorrelationID); got != "corr-9" {
		t.Fatalf("fallback metadata missing, got %q", got)
	}
}

func TestBuildJSONHandlerPropagatesHandlerError(t *testing.T) {
	boom := errors.New("inventory offline")
	handler, err := BuildJSONHandler(func(ctx context.Context, event JSONMessageContext[*pickupRequest]) ([]JSONMessageOutput[*pickupReceipt], error) {
		return nil, boom
	}, logging.Nop())
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}

	if _, err := handler(message.NewMessage("m1", []byte(`{}`))); !errors.Is(err, boom) {
		t.Fatalf("handler error lost: %v", err)
	}
}
