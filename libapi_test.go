package orderpulse

import (
	"errors"
	"testing"
	"time"
)

func TestHandlerExportsPropagateErrors(t *testing.T) {
	type payload struct {
		Value string `json:"value"`
	}

	if err := RegisterJSONHandler[payload, payload](nil, JSONHandlerRegistration[payload, payload]{}); !errors.Is(err, ErrServiceRequired) {
		t.Fatalf("expected service required error, got %v", err)
	}

	if err := RegisterMessageHandler(nil, MessageHandlerRegistration{}); !errors.Is(err, ErrServiceRequired) {
		t.Fatalf("expected service required error, got %v", err)
	}
}

func TestEncodingExportAliases(t *testing.T) {
	payload := map[string]string{"hello": "world"}
	if _, err := Marshal(payload); err != nil {
		t.Fatalf("marshal alias failed: %v", err)
	}
	if _, err := MarshalIndent(payload, "", "  "); err != nil {
		t.Fatalf("marshal indent alias failed: %v", err)
	}
	if err := Unmarshal([]byte(`{"hello":"world"}`), &payload); err != nil {
		t.Fatalf("unmarshal alias failed: %v", err)
	}
}

func TestMetadataExport(t *testing.T) {
	md := NewMetadata("key", "value")
	if md["key"] != "value" {
		t.Fatalf("expected metadata to contain key, got %#v", md)
	}
}

func TestWithDelay(t *testing.T) {
	md := WithDelay(30 * time.Second)
	if md[MetadataKeyDelay] != "30s" {
		t.Fatalf("expected delay to be '30s', got %q", md[MetadataKeyDelay])
	}

	md = WithDelay(5 * time.Minute)
	if md[MetadataKeyDelay] != "5m0s" {
		t.Fatalf("expected delay to be '5m0s', got %q", md[MetadataKeyDelay])
	}
}

func TestChannelExports(t *testing.T) {
	if got := DeadLetterTopic("orders.transitions"); got != "orders.transitions.dead-letter" {
		t.Fatalf("unexpected dead-letter topic %q", got)
	}

	delays := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	for count, want := range delays {
		if got := BackoffDelay(time.Second, count); got != want {
			t.Fatalf("retry %d: expected %v, got %v", count, want, got)
		}
	}
}

func TestPolicyTableExport(t *testing.T) {
	table := DefaultPolicyTable()
	for _, orderType := range []OrderType{OrderTypeMail, OrderTypeShopping, OrderTypePurchaseRequest} {
		if _, ok := table.Lookup(orderType); !ok {
			t.Fatalf("expected a policy for %q", orderType)
		}
	}
}

func TestErrorCategoryConstants(t *testing.T) {
	if ErrorCategoryNone != "none" {
		t.Fatalf("expected ErrorCategoryNone to be 'none', got %q", ErrorCategoryNone)
	}
	if ErrorCategoryValidation != "validation" {
		t.Fatalf("expected ErrorCategoryValidation to be 'validation', got %q", ErrorCategoryValidation)
	}
	if ErrorCategoryTransport != "transport" {
		t.Fatalf("expected ErrorCategoryTransport to be 'transport', got %q", ErrorCategoryTransport)
	}
}
