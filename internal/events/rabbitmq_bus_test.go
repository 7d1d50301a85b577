package events

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	tcrabbit "github.com/testcontainers/testcontainers-go/modules/rabbitmq"
	"github.com/testcontainers/testcontainers-go/wait"
)

type RabbitBusTestSuite struct {
	suite.Suite
	container *tcrabbit.RabbitMQContainer
	url       string
	conn      *amqp.Connection
}

func (suite *RabbitBusTestSuite) SetupSuite() {
	ctx := context.Background()

	container, err := tcrabbit.Run(ctx, "rabbitmq:3-management-alpine",
		testcontainers.WithWaitStrategy(
			wait.ForLog("Server startup complete").WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		suite.T().Fatalf("Failed to start rabbitmq container: %s", err)
	}
	suite.container = container

	suite.url, err = container.AmqpURL(ctx)
	suite.Require().NoError(err)
	suite.conn, err = amqp.Dial(suite.url)
	suite.Require().NoError(err)
}

func (suite *RabbitBusTestSuite) TearDownSuite() {
	if suite.conn != nil {
		suite.conn.Close()
	}
	if suite.container != nil {
		if err := suite.container.Terminate(context.Background()); err != nil {
			suite.T().Logf("Failed to terminate rabbitmq container: %s", err)
		}
	}
}

// newBus returns a bus on its own exchange, so queues from other tests never see its messages.
func (suite *RabbitBusTestSuite) newBus() *RabbitBus {
	bus, err := NewRabbitBus(suite.url, RabbitBusConfig{
		Exchange:       "ledger.test." + uuid.NewString()[:8],
		Partitions:     2,
		Consumer:       "test-consumer",
		Retry:          RetryPolicy{MaxRetries: 2, InitialInterval: 10 * time.Millisecond, MaxInterval: 20 * time.Millisecond},
		ConfirmTimeout: 5 * time.Second,
	}, discardLogger())
	suite.Require().NoError(err)
	suite.T().Cleanup(func() { _ = bus.Close() })
	return bus
}

func newGroup() string {
	return "g." + uuid.NewString()[:8]
}

// awaitTopology waits until Run has declared and bound every partition queue of group.
// The dead-letter queue is declared last, after the bind.
func (suite *RabbitBusTestSuite) awaitTopology(group, channel string) {
	suite.Require().Eventually(func() bool {
		for p := 0; p < 2; p++ {
			ch, err := suite.conn.Channel()
			if err != nil {
				return false
			}
			_, err = ch.QueueDeclarePassive(DeadLetterName(QueueName(group, StreamName(channel, p))), true, false, false, false, nil)
			_ = ch.Close()
			if err != nil {
				return false
			}
		}
		return true
	}, 10*time.Second, 50*time.Millisecond)
}

func (suite *RabbitBusTestSuite) getDeadLetter(group, channel, key string) (amqp.Delivery, bool) {
	ch, err := suite.conn.Channel()
	suite.Require().NoError(err)
	defer ch.Close()
	d, ok, err := ch.Get(DeadLetterName(QueueName(group, StreamName(channel, Partition(key, 2)))), true)
	suite.Require().NoError(err)
	return d, ok
}

func (suite *RabbitBusTestSuite) TestDeliversInOrderPerKey() {
	bus := suite.newBus()
	group := newGroup()

	var mu sync.Mutex
	got := make(map[string][]int64)
	bus.Subscribe(group, "account-updated", func(_ context.Context, env Envelope) error {
		mu.Lock()
		defer mu.Unlock()
		got[env.Key] = append(got[env.Key], env.Sequence)
		return nil
	})
	runBus(suite.T(), bus)
	suite.awaitTopology(group, "account-updated")

	ctx := context.Background()
	for i := int64(1); i <= 10; i++ {
		for _, key := range []string{"KEY00000001", "KEY00000002"} {
			suite.Require().NoError(bus.Publish(ctx, Message{Channel: "account-updated", Key: key, Sequence: i, Payload: []byte(`{}`)}))
		}
	}

	suite.Require().Eventually(func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got["KEY00000001"]) == 10 && len(got["KEY00000002"]) == 10
	}, 10*time.Second, 20*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	want := []int64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	suite.Equal(want, got["KEY00000001"])
	suite.Equal(want, got["KEY00000002"])
}

func (suite *RabbitBusTestSuite) TestFailingHandlerIsRetried() {
	bus := suite.newBus()
	group := newGroup()

	var mu sync.Mutex
	calls := 0
	bus.Subscribe(group, "deposit-credited", func(context.Context, Envelope) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls < 3 {
			return stderrors.New("database busy")
		}
		return nil
	})
	runBus(suite.T(), bus)
	suite.awaitTopology(group, "deposit-credited")

	suite.Require().NoError(bus.Publish(context.Background(), Message{Channel: "deposit-credited", Key: "KEY00000001", Sequence: 1, Payload: []byte(`{}`)}))

	suite.Require().Eventually(func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == 3
	}, 10*time.Second, 20*time.Millisecond)

	_, dead := suite.getDeadLetter(group, "deposit-credited", "KEY00000001")
	suite.False(dead)
}

func (suite *RabbitBusTestSuite) TestPoisonMessageIsDeadLettered() {
	bus := suite.newBus()
	group := newGroup()

	bus.Subscribe(group, "deposit-rollback", func(context.Context, Envelope) error {
		return stderrors.New("always fails")
	})
	runBus(suite.T(), bus)
	suite.awaitTopology(group, "deposit-rollback")

	suite.Require().NoError(bus.Publish(context.Background(), Message{Channel: "deposit-rollback", Key: "KEY00000001", Sequence: 7, Payload: []byte(`{}`)}))

	var dead amqp.Delivery
	suite.Require().Eventually(func() bool {
		d, ok := suite.getDeadLetter(group, "deposit-rollback", "KEY00000001")
		dead = d
		return ok
	}, 10*time.Second, 50*time.Millisecond)

	suite.Contains(dead.Headers["x-error"], "always fails")
	var env Envelope
	suite.Require().NoError(json.Unmarshal(dead.Body, &env))
	suite.Equal(int64(7), env.Sequence)
	suite.Equal("KEY00000001", env.Key)
}

func (suite *RabbitBusTestSuite) TestDeferredMessageIsOfferedAgainBehindLaterOnes() {
	bus := suite.newBus()
	group := newGroup()

	var mu sync.Mutex
	var got []int64
	next := int64(1)
	bus.Subscribe(group, "account-updated", func(_ context.Context, env Envelope) error {
		mu.Lock()
		defer mu.Unlock()
		if env.Sequence != next {
			return Defer(stderrors.New("out of turn"))
		}
		next++
		got = append(got, env.Sequence)
		return nil
	})
	runBus(suite.T(), bus)
	suite.awaitTopology(group, "account-updated")

	ctx := context.Background()
	for _, seq := range []int64{2, 3, 1} {
		suite.Require().NoError(bus.Publish(ctx, Message{Channel: "account-updated", Key: "KEY00000001", Sequence: seq, Payload: []byte(`{}`)}))
	}

	suite.Require().Eventually(func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	}, 10*time.Second, 20*time.Millisecond)

	mu.Lock()
	suite.Equal([]int64{1, 2, 3}, got)
	mu.Unlock()

	_, dead := suite.getDeadLetter(group, "account-updated", "KEY00000001")
	suite.False(dead)
}

func (suite *RabbitBusTestSuite) TestPublishFailsWithoutBrokerConfirm() {
	bus := suite.newBus()

	ch, err := suite.conn.Channel()
	suite.Require().NoError(err)
	suite.Require().NoError(ch.ExchangeDelete(bus.cfg.Exchange, false, false))
	_ = ch.Close()

	// The broker closes the publishing channel instead of confirming, so Publish must not report success.
	err = bus.Publish(context.Background(), Message{Channel: "account-updated", Key: "KEY00000001", Sequence: 1, Payload: []byte(`{}`)})
	suite.Error(err)
}

func TestRabbitBusTestSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping rabbitmq bus tests in short mode")
	}
	suite.Run(t, new(RabbitBusTestSuite))
}
