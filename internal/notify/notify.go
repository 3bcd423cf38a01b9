// Package notify tells the outside world that an order has been paid for.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/safar/storefront-core/internal/models"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Notifier is called once per order, after the transaction that completed
// it has committed.
type Notifier interface {
	OrderConfirmed(ctx context.Context, order *models.Order) error
}

type OrderConfirmedEvent struct {
	OrderNumber   string          `json:"order_number"`
	CustomerName  string          `json:"customer_name"`
	CustomerEmail string          `json:"customer_email"`
	Total         decimal.Decimal `json:"total"`
	PaymentMethod string          `json:"payment_method"`
	PaymentID     string          `json:"payment_id,omitempty"`
	Items         []EventItem     `json:"items"`
	ConfirmedAt   time.Time       `json:"confirmed_at"`
}

type EventItem struct {
	SKU       string          `json:"sku,omitempty"`
	Name      string          `json:"name"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

func NewOrderConfirmedEvent(order *models.Order, at time.Time) OrderConfirmedEvent {
	evt := OrderConfirmedEvent{
		OrderNumber:   order.OrderNumber,
		CustomerName:  order.Customer.Name,
		CustomerEmail: order.Customer.Email,
		Total:         order.Total,
		PaymentMethod: order.PaymentMethod,
		PaymentID:     order.Payment.PaymentID,
		Items:         make([]EventItem, 0, len(order.Items)),
		ConfirmedAt:   at,
	}
	for _, item := range order.Items {
		evt.Items = append(evt.Items, EventItem{
			SKU:       item.SKU,
			Name:      item.Name,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
		})
	}
	return evt
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaNotifier publishes an OrderConfirmedEvent keyed by order number, so
// every event for one order lands on the same partition.
type KafkaNotifier struct {
	writer messageWriter
	topic  string
	log    *zap.Logger
	now    func() time.Time
}

func NewKafkaNotifier(brokers []string, topic string, log *zap.Logger) *KafkaNotifier {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}
	log = log.Named("notify")
	log.Info("Kafka notifier initialized", zap.String("topic", topic), zap.Strings("brokers", brokers))
	return newKafkaNotifier(w, topic, log)
}

func newKafkaNotifier(w messageWriter, topic string, log *zap.Logger) *KafkaNotifier {
	return &KafkaNotifier{
		writer: w,
		topic:  topic,
		log:    log,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (n *KafkaNotifier) OrderConfirmed(ctx context.Context, order *models.Order) error {
	data, err := json.Marshal(NewOrderConfirmedEvent(order, n.now()))
	if err != nil {
		return fmt.Errorf("marshal order confirmed event: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(order.OrderNumber),
		Value: data,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte("order.confirmed")},
		},
	}
	if err := n.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish order confirmed %s to %s: %w", order.OrderNumber, n.topic, err)
	}

	n.log.Info("Order confirmation published",
		zap.String("order_number", order.OrderNumber),
		zap.String("topic", n.topic))
	return nil
}

func (n *KafkaNotifier) Close() error {
	n.log.Info("Closing Kafka notifier", zap.String("topic", n.topic))
	return n.writer.Close()
}

// LogNotifier only logs. It is used when no brokers are configured.
type LogNotifier struct {
	log *zap.Logger
}

func NewLogNotifier(log *zap.Logger) *LogNotifier {
	return &LogNotifier{log: log.Named("notify")}
}

func (n *LogNotifier) OrderConfirmed(_ context.Context, order *models.Order) error {
	n.log.Info("Order confirmed",
		zap.String("order_number", order.OrderNumber),
		zap.String("email", order.Customer.Email),
		zap.String("total", order.Total.StringFixed(2)))
	return nil
}
