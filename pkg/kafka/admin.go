package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/Adithya-Monish-Kumar-K/post-ingestion-pipeline/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/post-ingestion-pipeline/pkg/errors"
	"github.com/segmentio/kafka-go"
	"golang.org/x/sync/singleflight"
)

// DefaultTopicTimeout bounds one shared topic lookup and creation.
const DefaultTopicTimeout = 10 * time.Second

// Admin performs topic management against the cluster controller.
// Topics confirmed to exist are remembered so repeated EnsureTopic calls
// for the same name cost no round trip, and concurrent first calls share
// one lookup.
type Admin struct {
	brokers           []string
	partitions        int
	replicationFactor int
	dialer            *kafka.Dialer
	topicTimeout      time.Duration
	create            func(ctx context.Context, topic string) error
	known             sync.Map
	inflight          singleflight.Group
	logger            *slog.Logger
}

// NewAdmin creates an Admin for the configured brokers.
func NewAdmin(cfg config.KafkaConfig) *Admin {
	partitions := cfg.Partitions
	if partitions <= 0 {
		partitions = 1
	}
	rf := cfg.ReplicationFactor
	if rf <= 0 {
		rf = 1
	}
	a := &Admin{
		brokers:           cfg.Brokers,
		partitions:        partitions,
		replicationFactor: rf,
		dialer:            &kafka.Dialer{ClientID: cfg.ClientID, DualStack: true},
		topicTimeout:      DefaultTopicTimeout,
		logger:            slog.Default().With("component", "kafka-admin"),
	}
	a.create = a.createIfAbsent
	return a
}

// EnsureTopic creates topic when it is absent. It lists existing topics
// first and treats a concurrent creation by another client as success.
// The shared lookup ignores the caller's cancellation and is bounded by the
// topic timeout; a caller whose ctx ends returns early while the lookup
// continues for the rest. Failures wrap ErrLogUnavailable.
func (a *Admin) EnsureTopic(ctx context.Context, topic string) error {
	if _, ok := a.known.Load(topic); ok {
		return nil
	}
	shared := context.WithoutCancel(ctx)
	ch := a.inflight.DoChan(topic, func() (any, error) {
		ctx, cancel := context.WithTimeout(shared, a.topicTimeout)
		defer cancel()
		if err := a.create(ctx, topic); err != nil {
			return nil, err
		}
		a.known.Store(topic, struct{}{})
		return nil, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return fmt.Errorf("%w: ensuring topic %s: %w", apperrors.ErrLogUnavailable, topic, res.Err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: ensuring topic %s: %w", apperrors.ErrLogUnavailable, topic, context.Cause(ctx))
	}
}

func (a *Admin) createIfAbsent(ctx context.Context, topic string) error {
	conn, err := a.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	exists, err := topicExists(conn, topic)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("looking up kafka controller: %w", err)
	}
	ctrlAddr := net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port))
	ctrlConn, err := a.dialer.DialContext(ctx, "tcp", ctrlAddr)
	if err != nil {
		return fmt.Errorf("dialing kafka controller %s: %w", ctrlAddr, err)
	}
	defer ctrlConn.Close()

	err = ctrlConn.CreateTopics(kafka.TopicConfig{
		Topic:             topic,
		NumPartitions:     a.partitions,
		ReplicationFactor: a.replicationFactor,
	})
	if err != nil && !errors.Is(err, kafka.TopicAlreadyExists) {
		return fmt.Errorf("creating topic %s: %w", topic, err)
	}
	a.logger.Info("topic created",
		"topic", topic,
		"partitions", a.partitions,
		"replication_factor", a.replicationFactor,
	)
	return nil
}

// Ping dials the first reachable broker.
func (a *Admin) Ping(ctx context.Context) error {
	conn, err := a.dial(ctx)
	if err != nil {
		return err
	}
	return conn.Close()
}

func (a *Admin) dial(ctx context.Context) (*kafka.Conn, error) {
	var lastErr error
	for _, broker := range a.brokers {
		conn, err := a.dialer.DialContext(ctx, "tcp", broker)
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("dialing kafka brokers %v: %w", a.brokers, lastErr)
}

func topicExists(conn *kafka.Conn, topic string) (bool, error) {
	partitions, err := conn.ReadPartitions()
	if err != nil {
		return false, fmt.Errorf("listing kafka topics: %w", err)
	}
	for _, p := range partitions {
		if p.Topic == topic {
			return true, nil
		}
	}
	return false, nil
}
