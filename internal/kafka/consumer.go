package kafka

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/IBM/sarama"

	"github.com/sudoku-rooms/internal/config"
	"github.com/sudoku-rooms/internal/domain"
)

// Event types carried on the progress topic.
const (
	EventProgress  = "progress"
	EventHeartbeat = "heartbeat"
)

// ProgressEvent is the wire format for player updates flowing through
// Kafka. Heartbeats carry no board.
type ProgressEvent struct {
	Type     string        `json:"type"`
	RoomID   string        `json:"room_id"`
	PlayerID string        `json:"player_id"`
	Board    *domain.Board `json:"board,omitempty"`
	SentAt   int64         `json:"sent_at,omitempty"`
}

// ProgressHandler applies player updates to rooms
type ProgressHandler interface {
	UpdatePlayerProgress(ctx context.Context, roomID, playerID string, board *domain.Board) (int, error)
	Heartbeat(ctx context.Context, roomID, playerID string) error
}

// Consumer consumes progress events from Kafka
type Consumer struct {
	config        *config.KafkaConfig
	handler       ProgressHandler
	logger        *slog.Logger
	consumerGroup sarama.ConsumerGroup
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	ready         chan bool
}

// NewConsumer creates a new Kafka consumer
func NewConsumer(cfg *config.KafkaConfig, handler ProgressHandler, logger *slog.Logger) (*Consumer, error) {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Version = sarama.V3_0_0_0
	saramaConfig.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	saramaConfig.Consumer.Offsets.Initial = sarama.OffsetNewest
	saramaConfig.Consumer.Return.Errors = true

	consumerGroup, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, saramaConfig)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Consumer{
		config:        cfg,
		handler:       handler,
		logger:        logger,
		consumerGroup: consumerGroup,
		ctx:           ctx,
		cancel:        cancel,
		ready:         make(chan bool),
	}, nil
}

// Start begins consuming messages from Kafka
func (c *Consumer) Start() error {
	c.logger.Info("starting Kafka consumer",
		"brokers", c.config.Brokers,
		"topic", c.config.Topic,
		"group_id", c.config.GroupID,
	)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			handler := &consumerGroupHandler{
				consumer: c,
				ready:    c.ready,
			}

			if err := c.consumerGroup.Consume(c.ctx, []string{c.config.Topic}, handler); err != nil {
				if err == sarama.ErrClosedConsumerGroup {
					return
				}
				c.logger.Error("error from consumer", "error", err)
			}

			if c.ctx.Err() != nil {
				return
			}

			c.ready = make(chan bool)
		}
	}()

	// Wait until consumer is ready
	<-c.ready
	c.logger.Info("Kafka consumer ready")

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case <-c.ctx.Done():
				return
			case err, ok := <-c.consumerGroup.Errors():
				if !ok {
					return
				}
				c.logger.Error("consumer group error", "error", err)
			}
		}
	}()

	return nil
}

// Stop gracefully stops the consumer
func (c *Consumer) Stop() error {
	c.logger.Info("stopping Kafka consumer")
	c.cancel()
	c.wg.Wait()
	return c.consumerGroup.Close()
}

// consumerGroupHandler implements sarama.ConsumerGroupHandler
type consumerGroupHandler struct {
	consumer *Consumer
	ready    chan bool
}

// Setup is called at the beginning of a new session
func (h *consumerGroupHandler) Setup(sarama.ConsumerGroupSession) error {
	close(h.ready)
	return nil
}

// Cleanup is called at the end of a session
func (h *consumerGroupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

// ConsumeClaim processes messages from a topic partition. Events are
// batched and coalesced per player, so within a batch only the newest
// board for a given player is applied.
func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	cfg := h.consumer.config
	batch := make([]ProgressEvent, 0, cfg.BatchSize)
	batchTimer := time.NewTimer(cfg.BatchTimeout)
	defer batchTimer.Stop()

	processBatch := func() {
		if len(batch) == 0 {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		h.consumer.applyBatch(ctx, batch)
		batch = batch[:0]
	}

	for {
		select {
		case <-session.Context().Done():
			processBatch()
			return nil

		case <-batchTimer.C:
			processBatch()
			batchTimer.Reset(cfg.BatchTimeout)

		case message, ok := <-claim.Messages():
			if !ok {
				processBatch()
				return nil
			}

			var event ProgressEvent
			if err := json.Unmarshal(message.Value, &event); err != nil {
				h.consumer.logger.Warn("failed to unmarshal message",
					"error", err,
					"offset", message.Offset,
					"partition", message.Partition,
				)
				session.MarkMessage(message, "")
				continue
			}

			if event.RoomID == "" || event.PlayerID == "" {
				h.consumer.logger.Warn("invalid progress event",
					"room_id", event.RoomID,
					"player_id", event.PlayerID,
				)
				session.MarkMessage(message, "")
				continue
			}

			batch = append(batch, event)
			session.MarkMessage(message, "")

			if len(batch) >= cfg.BatchSize {
				processBatch()
				batchTimer.Reset(cfg.BatchTimeout)
			}
		}
	}
}

type playerKey struct {
	roomID   string
	playerID string
}

// applyBatch coalesces the batch to one event per player and applies the
// results. Heartbeats never override a board update for the same player.
func (c *Consumer) applyBatch(ctx context.Context, batch []ProgressEvent) {
	latest := make(map[playerKey]ProgressEvent, len(batch))
	for _, event := range batch {
		key := playerKey{roomID: event.RoomID, playerID: event.PlayerID}
		if prev, ok := latest[key]; ok && prev.Board != nil && event.Board == nil {
			continue
		}
		latest[key] = event
	}

	applied := 0
	for _, event := range latest {
		var err error
		switch {
		case event.Type == EventHeartbeat || event.Board == nil:
			err = c.handler.Heartbeat(ctx, event.RoomID, event.PlayerID)
		default:
			_, err = c.handler.UpdatePlayerProgress(ctx, event.RoomID, event.PlayerID, event.Board)
		}
		if err != nil {
			if domain.IsNotFoundError(err) {
				continue
			}
			c.logger.Error("failed to apply progress event",
				"room_id", event.RoomID,
				"player_id", event.PlayerID,
				"error", err,
			)
			continue
		}
		applied++
	}
	c.logger.Debug("processed batch", "batch_size", len(batch), "applied", applied)
}
