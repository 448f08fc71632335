package output

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/streadway/amqp"

	"github.com/quarryhq/quarry/types"
)

func init() {
	MustRegisterPlugin("amqp", newAMQPPlugin)
}

// AMQPArgs configures the amqp plugin. RoutingKey defaults to the hunt
// session id so consumers can bind per hunt.
type AMQPArgs struct {
	URL        string `json:"url"`
	Exchange   string `json:"exchange"`
	RoutingKey string `json:"routing_key,omitempty"`
}

// AMQPChannel is the slice of amqp.Channel the plugin publishes
// through, abstracted so tests can inject a fake broker.
type AMQPChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPDialer opens a publishing channel for one export round. The
// returned closer tears down the underlying connection.
type AMQPDialer func(url string) (AMQPChannel, func() error, error)

// amqpDial is the production dialer. Tests swap it for a fake.
var amqpDial AMQPDialer = func(url string) (AMQPChannel, func() error, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	return ch, conn.Close, nil
}

// amqpPlugin publishes hunt results to an AMQP exchange, one message
// per result. The connection is opened lazily and lives for one round.
type amqpPlugin struct {
	huntID types.SessionID
	args   AMQPArgs

	ch       AMQPChannel
	closeFn  func() error
	declared bool
}

func newAMQPPlugin(huntID types.SessionID, args types.Document) (Plugin, error) {
	var a AMQPArgs
	if err := args.Decode(&a); err != nil {
		return nil, fmt.Errorf("invalid amqp args: %w", err)
	}
	if a.URL == "" {
		return nil, fmt.Errorf("amqp plugin requires a broker url")
	}
	if a.Exchange == "" {
		return nil, fmt.Errorf("amqp plugin requires an exchange")
	}
	if a.RoutingKey == "" {
		a.RoutingKey = string(huntID)
	}
	return &amqpPlugin{huntID: huntID, args: a}, nil
}

func (p *amqpPlugin) ProcessResults(ctx context.Context, results []types.Document) error {
	if p.ch == nil {
		ch, closeFn, err := amqpDial(p.args.URL)
		if err != nil {
			return fmt.Errorf("failed to connect to broker: %w", err)
		}
		p.ch = ch
		p.closeFn = closeFn
	}
	if !p.declared {
		if err := p.ch.ExchangeDeclare(p.args.Exchange, "topic", true, false, false, false, nil); err != nil {
			return fmt.Errorf("failed to declare exchange %s: %w", p.args.Exchange, err)
		}
		p.declared = true
	}

	for _, doc := range results {
		body, err := json.Marshal(NewRecord(p.huntID, doc))
		if err != nil {
			return fmt.Errorf("failed to marshal record: %w", err)
		}
		err = p.ch.Publish(p.args.Exchange, p.args.RoutingKey, false, false, amqp.Publishing{
			ContentType: "application/json",
			Body:        body,
		})
		if err != nil {
			return fmt.Errorf("failed to publish record: %w", err)
		}
	}
	return nil
}

func (p *amqpPlugin) Flush(ctx context.Context) error {
	if p.ch == nil {
		return nil
	}
	if err := p.ch.Close(); err != nil {
		p.closeFn()
		return fmt.Errorf("failed to close channel: %w", err)
	}
	return p.closeFn()
}
