package publisher

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/ktatikon/dex-mobile-v5-sub001/pkg/clock"
)

const (
	defaultPartitions = 4
	readyAttempts     = 5
	readyBackoff      = 200 * time.Millisecond
)

// TopicCreator makes sure the state topic exists before the gateway starts publishing.
type TopicCreator struct {
	logger     *zap.Logger
	dialer     KafkaDialer
	clock      clock.Clock
	partitions int
}

func NewTopicCreator(logger *zap.Logger, dialer KafkaDialer, clk clock.Clock) *TopicCreator {
	return &TopicCreator{
		logger:     logger,
		dialer:     dialer,
		clock:      clk,
		partitions: defaultPartitions,
	}
}

// Create asks the controller for the topic and waits until it reports
// partitions. An existing topic is not an error.
func (tc *TopicCreator) Create(ctx context.Context, brokers []string, topicName string) error {
	var conn KafkaConn
	var err error

	for _, addr := range brokers {
		conn, err = tc.dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			break
		}
	}
	if conn == nil {
		return fmt.Errorf("dial brokers %v: %w", brokers, err)
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("lookup controller: %w", err)
	}

	controllerAddr := net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port))
	controllerConn, err := tc.dialer.DialContext(ctx, "tcp", controllerAddr)
	if err != nil {
		return fmt.Errorf("dial controller %s: %w", controllerAddr, err)
	}
	defer controllerConn.Close()

	err = controllerConn.CreateTopics(kafka.TopicConfig{
		Topic:             topicName,
		NumPartitions:     tc.partitions,
		ReplicationFactor: 1,
	})
	if err != nil {
		tc.logger.Info("Topic creation finished (might already exist)", zap.String("topic", topicName), zap.Error(err))
	} else {
		tc.logger.Info("Topic creation request sent", zap.String("topic", topicName))
	}

	return tc.waitForTopic(conn, topicName)
}

func (tc *TopicCreator) waitForTopic(conn KafkaConn, topicName string) error {
	var lastErr error
	for i := 0; i < readyAttempts; i++ {
		tc.clock.Sleep(readyBackoff)
		partitions, err := conn.ReadPartitions(topicName)
		if err == nil && len(partitions) > 0 {
			tc.logger.Info("Topic is ready", zap.String("topic", topicName), zap.Int("partitions", len(partitions)))
			return nil
		}
		lastErr = err
	}
	return fmt.Errorf("topic %s not ready after %d attempts: %v", topicName, readyAttempts, lastErr)
}
