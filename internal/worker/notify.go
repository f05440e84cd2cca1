package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"time"

	"docfinder/internal/logging"
	"docfinder/internal/redis"
)

const jobsChannel = "docfinder:jobs"

// Signal wakes idle runner loops in this process. Notifications coalesce:
// a burst of enqueues wakes one loop, which then drains the backlog.
type Signal struct {
	ch chan struct{}
}

func NewSignal() *Signal {
	return &Signal{ch: make(chan struct{}, 1)}
}

// Notify never blocks.
func (s *Signal) Notify(context.Context) {
	select {
	case s.ch <- struct{}{}:
	default:
	}
}

// C is the channel runner loops select on.
func (s *Signal) C() <-chan struct{} {
	return s.ch
}

type wakeMessage struct {
	Source string    `json:"source"`
	At     time.Time `json:"at"`
}

// RedisNotifier broadcasts new-job wake-ups to every worker process through
// redis pub/sub and relays received ones to the local Signal.
type RedisNotifier struct {
	client *redis.Client
	local  *Signal
	source string
	log    *slog.Logger
}

func NewRedisNotifier(client *redis.Client, local *Signal, logger *slog.Logger) *RedisNotifier {
	host, _ := os.Hostname()
	return &RedisNotifier{
		client: client,
		local:  local,
		source: host,
		log:    logging.OrDefault(logger).With("component", "job_notifier"),
	}
}

// Notify wakes a local loop and publishes to the other processes.
func (n *RedisNotifier) Notify(ctx context.Context) {
	if n.local != nil {
		n.local.Notify(ctx)
	}
	if n.client == nil {
		return
	}
	payload, err := json.Marshal(wakeMessage{Source: n.source, At: time.Now().UTC()})
	if err != nil {
		n.log.Warn("wake-up marshal failed", "error", err)
		return
	}
	if err := n.client.Publish(context.WithoutCancel(ctx), jobsChannel, payload); err != nil {
		n.log.Warn("wake-up publish failed; workers fall back to polling", "error", err)
	}
}

// Listen relays wake-ups published by other processes until ctx ends.
func (n *RedisNotifier) Listen(ctx context.Context) error {
	msgs, err := n.client.Subscribe(ctx, jobsChannel)
	if err != nil {
		return err
	}
	go func() {
		for payload := range msgs {
			var msg wakeMessage
			if err := json.Unmarshal([]byte(payload), &msg); err != nil {
				n.log.Debug("wake-up decode failed", "error", err)
				continue
			}
			if n.local != nil {
				n.local.Notify(ctx)
			}
		}
	}()
	return nil
}
