package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"teketeke/internal/logger"
	"teketeke/internal/metrics"
)

const (
	ChannelSMS = "sms"

	queueKey       = "notifications"
	failedQueueKey = "notifications:failed"
	maxTries       = 3
)

type Job struct {
	Channel     string            `json:"channel"`
	Destination string            `json:"destination"`
	Message     string            `json:"message"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Tries       int               `json:"tries"`
	Created     time.Time         `json:"created"`
}

// Service routes operator notifications through a redis-backed queue. It is
// strictly best effort: enqueue and delivery failures are logged and counted
// but never surfaced to the financial operation that asked for them.
type Service struct {
	redis        *redis.Client
	gatewayURL   string
	gatewayToken string
	httpClient   *http.Client
}

func New(redisAddr, gatewayURL, gatewayToken string) *Service {
	return &Service{
		redis: redis.NewClient(&redis.Options{
			Addr: redisAddr,
		}),
		gatewayURL:   gatewayURL,
		gatewayToken: gatewayToken,
		httpClient:   &http.Client{Timeout: 15 * time.Second},
	}
}

// NewWithClient is used by tests to inject a redismock client.
func NewWithClient(client *redis.Client, gatewayURL, gatewayToken string) *Service {
	return &Service{
		redis:        client,
		gatewayURL:   gatewayURL,
		gatewayToken: gatewayToken,
		httpClient:   &http.Client{Timeout: 15 * time.Second},
	}
}

func (s *Service) Send(ctx context.Context, channel, destination, message string, metadata map[string]string) {
	job := Job{
		Channel:     channel,
		Destination: destination,
		Message:     message,
		Metadata:    metadata,
		Tries:       0,
		Created:     time.Now(),
	}

	data, err := json.Marshal(job)
	if err != nil {
		logger.Errorf("notify: failed to marshal job: %v", err)
		metrics.RecordNotification(channel, "error")
		return
	}

	if err := s.redis.LPush(ctx, queueKey, string(data)).Err(); err != nil {
		logger.Errorf("notify: failed to queue %s to %s: %v", channel, destination, err)
		metrics.RecordNotification(channel, "error")
		return
	}

	metrics.RecordNotification(channel, "queued")
	logger.Info("notification queued", "channel", channel, "destination", destination)
}

func (s *Service) Start(ctx context.Context) {
	logger.Info("notification worker started")

	for {
		select {
		case <-ctx.Done():
			logger.Info("notification worker stopped")
			return
		default:
			s.processNext(ctx)
		}
	}
}

func (s *Service) processNext(ctx context.Context) {
	result, err := s.redis.BRPop(ctx, 2*time.Second, queueKey).Result()
	if err != nil {
		return
	}

	var job Job
	if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
		logger.Errorf("notify: bad job data: %v", err)
		return
	}

	job.Tries++
	if err := s.deliver(ctx, job); err != nil {
		logger.Errorf("notify: failed to deliver to %s: %v", job.Destination, err)

		if job.Tries < maxTries {
			time.Sleep(5 * time.Second)
			data, _ := json.Marshal(job)
			s.redis.LPush(context.Background(), queueKey, data)
			return
		}

		metrics.RecordNotification(job.Channel, "failed")
		s.saveFailed(job, err)
		return
	}

	metrics.RecordNotification(job.Channel, "sent")
	logger.Info("notification delivered", "channel", job.Channel, "destination", job.Destination)
}

func (s *Service) deliver(ctx context.Context, job Job) error {
	if s.gatewayURL == "" {
		// No gateway configured (dev/test). Log-and-drop keeps the
		// queue drained instead of piling retries.
		logger.Info("notification (no gateway)", "destination", job.Destination, "message", job.Message)
		return nil
	}

	body, err := json.Marshal(map[string]string{
		"to":      job.Destination,
		"message": job.Message,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.gatewayURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.gatewayToken != "" {
		req.Header.Set("Authorization", "Bearer "+s.gatewayToken)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("sms gateway returned status %d", resp.StatusCode)
	}
	return nil
}

func (s *Service) saveFailed(job Job, err error) {
	failed := map[string]interface{}{
		"job":   job,
		"error": err.Error(),
		"time":  time.Now(),
	}
	data, _ := json.Marshal(failed)
	s.redis.LPush(context.Background(), failedQueueKey, data)
	logger.Errorf("notify: moved to failed queue: %s", job.Destination)
}

func (s *Service) QueueLength(ctx context.Context) int64 {
	length, _ := s.redis.LLen(ctx, queueKey).Result()
	metrics.NotificationQueueLength.Set(float64(length))
	return length
}

func (s *Service) Close() error {
	return s.redis.Close()
}
