package transport

import (
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
)

type fakeDLQStore struct {
	parked []DLQMessage
}

func (s *fakeDLQStore) GetDLQCount(topic string) (int64, error) {
	return int64(len(s.parked)), nil
}
func (s *fakeDLQStore) ReplayDLQMessage(dlqID int64) error       { return nil }
func (s *fakeDLQStore) ReplayAllDLQ(topic string) (int64, error) { return int64(len(s.parked)), nil }
func (s *fakeDLQStore) PurgeDLQ(topic string) (int64, error) {
	n := int64(len(s.parked))
	s.parked = nil
	return n, nil
}
func (s *fakeDLQStore) ListDLQMessages(topic string, limit, offset int) ([]DLQMessage, error) {
	return s.parked, nil
}
func (s *fakeDLQStore) GetPendingCount(topic string) (int64, error) { return 0, nil }

type fakeDelayedPublisher struct {
	nopPublisher
	delays []int64
}

func (p *fakeDelayedPublisher) PublishWithDelay(topic string, delay int64, messages ...*message.Message) error {
	p.delays = append(p.delays, delay)
	return nil
}

// The delivery layer type-asserts against these interfaces to discover
// optional backend features, so the contracts must stay satisfiable.
func TestOptionalBackendInterfaces(t *testing.T) {
	var _ DLQManager = (*fakeDLQStore)(nil)
	var _ DLQLister = (*fakeDLQStore)(nil)
	var _ QueueIntrospector = (*fakeDLQStore)(nil)
	var _ DelayedPublisher = (*fakeDelayedPublisher)(nil)

	pub := &fakeDelayedPublisher{}
	msg := message.NewMessage("evt-1", []byte(`{"message_id":"evt-1"}`))
	err := pub.PublishWithDelay("orderpulse.order.transitions", 2000, msg)
	assert.NoError(t, err)
	assert.Equal(t, []int64{2000}, pub.delays)
}

func TestDLQMessageCorrelation(t *testing.T) {
	parked := DLQMessage{
		ID:            7,
		UUID:          "M-20260831-0001",
		OriginalTopic: "orderpulse.order.transitions",
		Payload:       []byte(`{"message_id":"M-20260831-0001"}`),
		Metadata:      map[string]string{"orderpulse_failure_reason": "handler failed"},
		ErrorMessage:  "handler failed",
		FailedAt:      time.Now(),
		RetryCount:    3,
	}

	// The UUID is the envelope message id, which is how a parked row is
	// traced back to the publish that produced it.
	assert.Equal(t, "M-20260831-0001", parked.UUID)
	assert.Equal(t, "orderpulse.order.transitions", parked.OriginalTopic)
	assert.Equal(t, 3, parked.RetryCount)

	store := &fakeDLQStore{parked: []DLQMessage{parked}}
	count, err := store.GetDLQCount(parked.OriginalTopic)
	assert.NoError(t, err)
	assert.Equal(t, int64(1), count)

	dropped, err := store.PurgeDLQ(parked.OriginalTopic)
	assert.NoError(t, err)
	assert.Equal(t, int64(1), dropped)
}
