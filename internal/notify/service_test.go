package notify

import (
	"context"
	"testing"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"teketeke/internal/logger"
)

func TestSend_QueuesJob(t *testing.T) {
	logger.Init()

	client, mock := redismock.NewClientMock()
	mock.Regexp().ExpectLPush(queueKey, `.*"channel":"sms".*"destination":"\+254700000001".*`).SetVal(1)

	svc := NewWithClient(client, "", "")
	svc.Send(context.Background(), ChannelSMS, "+254700000001", "High severity alert open", map[string]string{"alert_id": "4"})

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSend_EnqueueFailureDoesNotPropagate(t *testing.T) {
	logger.Init()

	client, mock := redismock.NewClientMock()
	mock.Regexp().ExpectLPush(queueKey, `.*`).SetErr(assert.AnError)

	svc := NewWithClient(client, "", "")
	// Must not panic; failures on the notification side channel are
	// swallowed.
	svc.Send(context.Background(), ChannelSMS, "+254700000001", "msg", nil)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestQueueLength(t *testing.T) {
	logger.Init()

	client, mock := redismock.NewClientMock()
	mock.ExpectLLen(queueKey).SetVal(7)

	svc := NewWithClient(client, "", "")
	n := svc.QueueLength(context.Background())

	assert.Equal(t, int64(7), n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeliver_NoGatewayIsNoop(t *testing.T) {
	logger.Init()

	client, _ := redismock.NewClientMock()
	svc := NewWithClient(client, "", "")

	err := svc.deliver(context.Background(), Job{
		Channel:     ChannelSMS,
		Destination: "+254700000001",
		Message:     "test",
	})
	assert.NoError(t, err)
}
