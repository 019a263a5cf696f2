// Package mqtt bridges an MQTT broker to the job queue. Business systems
// publish to fiscal/{printerId}/{action}; the bridge creates jobs through
// the same store path the REST layer uses and publishes the terminal result
// back to fiscal/{printerId}/result.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/datecs-gw/fiscalgw/internal/logger"
	"github.com/datecs-gw/fiscalgw/pkg/controlplane/models"
	"github.com/datecs-gw/fiscalgw/pkg/controlplane/store"
)

// Config holds broker connection settings.
type Config struct {
	Enabled     bool
	BrokerURL   string // tcp://host:1883 or ssl://host:8883
	ClientID    string
	Username    string
	Password    string
	QoS         byte
	KeepAlive   time.Duration
	TopicPrefix string
	// ResultWait bounds the poll for a job's terminal state before the
	// result publish is given up.
	ResultWait time.Duration
}

// ApplyDefaults fills in the documented defaults.
func (c *Config) ApplyDefaults() {
	if c.ClientID == "" {
		c.ClientID = "fiscalgw-" + uuid.New().String()[:8]
	}
	if c.QoS == 0 {
		c.QoS = 1
	}
	if c.KeepAlive <= 0 {
		c.KeepAlive = 30 * time.Second
	}
	if c.TopicPrefix == "" {
		c.TopicPrefix = "fiscal"
	}
	if c.ResultWait <= 0 {
		c.ResultWait = 30 * time.Second
	}
}

// actionPayloadTypes maps the topic action segment to a job payload kind.
var actionPayloadTypes = map[string]string{
	"receipt": "fiscal_receipt",
	"storno":  "storno",
	"report":  "report",
	"cancel":  "cancel",
}

// resultMessage is the egress payload on {prefix}/{printerId}/result.
type resultMessage struct {
	RequestID     string   `json:"request_id,omitempty"`
	JobID         string   `json:"job_id"`
	Status        string   `json:"status"`
	Error         string   `json:"error,omitempty"`
	ReceiptNumber *string  `json:"receipt_number,omitempty"`
	TotalAmount   *float64 `json:"total_amount,omitempty"`
}

// Bridge is the broker connection plus the job round-trip workers.
type Bridge struct {
	config Config
	store  *store.GORMStore
	client pahomqtt.Client
}

// New builds a bridge; Connect starts it.
func New(config Config, s *store.GORMStore) *Bridge {
	config.ApplyDefaults()
	return &Bridge{config: config, store: s}
}

// Connect dials the broker and subscribes. The paho client keeps retrying
// with a fixed backoff until the broker appears, and resubscribes after
// every reconnect. A retained LWT flips the presence topic to offline when
// the gateway dies.
func (b *Bridge) Connect() error {
	if !b.config.Enabled {
		return nil
	}

	statusTopic := b.config.TopicPrefix + "/status"
	opts := pahomqtt.NewClientOptions().
		AddBroker(b.config.BrokerURL).
		SetClientID(b.config.ClientID).
		SetUsername(b.config.Username).
		SetPassword(b.config.Password).
		SetKeepAlive(b.config.KeepAlive).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetMaxReconnectInterval(5 * time.Second).
		SetBinaryWill(statusTopic, []byte(`{"status":"offline"}`), b.config.QoS, true).
		SetOnConnectHandler(b.onConnect).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			logger.Warn("mqtt connection lost", "error", err)
		})

	b.client = pahomqtt.NewClient(opts)
	token := b.client.Connect()
	// SetConnectRetry keeps dialling in the background; do not block startup.
	go func() {
		token.Wait()
		if err := token.Error(); err != nil {
			logger.Error("mqtt initial connect failed", "broker", b.config.BrokerURL, "error", err)
		}
	}()
	return nil
}

func (b *Bridge) onConnect(client pahomqtt.Client) {
	filter := b.config.TopicPrefix + "/+/+"
	if token := client.Subscribe(filter, b.config.QoS, b.handleMessage); token.Wait() && token.Error() != nil {
		logger.Error("mqtt subscribe failed", "filter", filter, "error", token.Error())
		return
	}
	client.Publish(b.config.TopicPrefix+"/status", b.config.QoS, true, []byte(`{"status":"online"}`))
	logger.Info("mqtt bridge connected",
		"broker", b.config.BrokerURL,
		"filter", filter,
		"qos", b.config.QoS,
	)
}

// Close publishes offline presence and disconnects.
func (b *Bridge) Close() {
	if b.client == nil {
		return
	}
	if b.client.IsConnected() {
		token := b.client.Publish(b.config.TopicPrefix+"/status", b.config.QoS, true, []byte(`{"status":"offline"}`))
		token.WaitTimeout(time.Second)
	}
	b.client.Disconnect(250)
}

// Connected reports the live broker link state.
func (b *Bridge) Connected() bool {
	return b.client != nil && b.client.IsConnectionOpen()
}

// Status summarises the bridge for the admin API.
func (b *Bridge) Status() map[string]any {
	return map[string]any{
		"enabled":      b.config.Enabled,
		"connected":    b.Connected(),
		"broker":       b.config.BrokerURL,
		"topic_prefix": b.config.TopicPrefix,
	}
}

// Publish sends one message, for the admin test-publish endpoint.
func (b *Bridge) Publish(topic string, payload []byte) error {
	if b.client == nil || !b.client.IsConnectionOpen() {
		return fmt.Errorf("mqtt not connected")
	}
	token := b.client.Publish(topic, b.config.QoS, false, payload)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("mqtt publish timed out")
	}
	return token.Error()
}

// parseTopic splits {prefix}/{printerId}/{action}.
func parseTopic(topic string) (printerID, action string, ok bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[1] == "" || parts[2] == "" {
		return "", "", false
	}
	return parts[1], parts[2], true
}

func (b *Bridge) handleMessage(_ pahomqtt.Client, msg pahomqtt.Message) {
	printerID, action, ok := parseTopic(msg.Topic())
	if !ok {
		logger.Warn("mqtt message on unroutable topic", "topic", msg.Topic())
		return
	}
	if action == "result" || action == "status" {
		// Our own egress topics share the subscription filter.
		return
	}
	payloadType, ok := actionPayloadTypes[action]
	if !ok {
		logger.Warn("mqtt message with unknown action",
			"topic", msg.Topic(),
			"action", action,
		)
		return
	}

	var envelope struct {
		RequestID string `json:"request_id"`
	}
	payload := msg.Payload()
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &envelope); err != nil {
			logger.Warn("mqtt payload is not JSON",
				"topic", msg.Topic(),
				"error", err,
			)
			return
		}
	}

	job, err := b.store.CreateJob(context.Background(), printerID, payloadType, payload)
	if err != nil {
		logger.Error("mqtt job creation failed",
			"printer_id", printerID,
			"payload_type", payloadType,
			"error", err,
		)
		b.publishResult(printerID, &resultMessage{
			RequestID: envelope.RequestID,
			Status:    models.JobFailed,
			Error:     err.Error(),
		})
		return
	}
	logger.Info("mqtt job created",
		"job_id", job.ID,
		"printer_id", printerID,
		"payload_type", payloadType,
		"request_id", envelope.RequestID,
	)

	go b.awaitAndPublish(printerID, envelope.RequestID, job.ID)
}

// awaitAndPublish polls the store for the job's terminal state and publishes
// the correlated result. A job still live at the deadline is reported as-is.
func (b *Bridge) awaitAndPublish(printerID, requestID, jobID string) {
	deadline := time.Now().Add(b.config.ResultWait)
	var job *models.Job
	for time.Now().Before(deadline) {
		var err error
		job, err = b.store.GetJob(context.Background(), jobID)
		if err != nil {
			logger.Error("mqtt result poll failed", "job_id", jobID, "error", err)
			return
		}
		if job.Terminal() {
			break
		}
		time.Sleep(500 * time.Millisecond)
	}
	b.publishResult(printerID, buildResult(requestID, job))
}

// buildResult flattens a job into the egress message, lifting the receipt
// number and total amount out of the structured result when present.
func buildResult(requestID string, job *models.Job) *resultMessage {
	msg := &resultMessage{
		RequestID: requestID,
		JobID:     job.ID,
		Status:    job.Status,
		Error:     job.Error,
	}
	if job.Result != "" {
		var fields struct {
			ReceiptNumber *string  `json:"receipt_number"`
			TotalAmount   *float64 `json:"total_amount"`
		}
		if err := json.Unmarshal([]byte(job.Result), &fields); err == nil {
			msg.ReceiptNumber = fields.ReceiptNumber
			msg.TotalAmount = fields.TotalAmount
		}
	}
	return msg
}

func (b *Bridge) publishResult(printerID string, msg *resultMessage) {
	topic := b.config.TopicPrefix + "/" + printerID + "/result"
	data, err := json.Marshal(msg)
	if err != nil {
		logger.Error("mqtt result marshal failed", "job_id", msg.JobID, "error", err)
		return
	}
	if b.client == nil || !b.client.IsConnectionOpen() {
		logger.Warn("mqtt result dropped, not connected", "topic", topic, "job_id", msg.JobID)
		return
	}
	token := b.client.Publish(topic, b.config.QoS, false, data)
	if token.WaitTimeout(5*time.Second) && token.Error() != nil {
		logger.Error("mqtt result publish failed", "topic", topic, "error", token.Error())
		return
	}
	logger.Info("mqtt result published", "topic", topic, "job_id", msg.JobID, "status", msg.Status)
}
