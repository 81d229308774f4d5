// Package ingest subscribes to the camera event topics on the MQTT broker
// and turns the messages into event rows. Cameras publish to
// {prefix}/{camera_id}/event; every accepted event kicks the schedule
// evaluator through the dispatcher.
package ingest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	uuid "github.com/satori/go.uuid"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/camnvr/camnvr/src/configs"
	"github.com/camnvr/camnvr/src/instance"
	"github.com/camnvr/camnvr/src/log"
	"github.com/camnvr/camnvr/src/metrics"
	"github.com/camnvr/camnvr/src/pkg/errs"
	"github.com/camnvr/camnvr/src/pkg/events"
	"github.com/camnvr/camnvr/src/store"
	"github.com/camnvr/camnvr/src/types"
)

const (
	connectTimeout = 10 * time.Second
	handleTimeout  = 5 * time.Second
)

// ingestStore is the slice of the store the ingestor needs.
type ingestStore interface {
	GetCamera(ctx context.Context, id types.CameraID) (*store.Camera, error)
	InsertEvent(ctx context.Context, e *store.Event) error
	CloseEvent(ctx context.Context, id types.EventID, endTime time.Time) error
	OpenEvents(ctx context.Context, cameraID types.CameraID) ([]*store.Event, error)
}

// Ingestor is the MQTT to store bridge. With MQTT disabled in the config it
// starts as a no-op so the rest of the engine does not care.
type Ingestor struct {
	cfg        *configs.Config
	db         ingestStore
	dispatcher events.Dispatcher
	logger     *logrus.Entry
	client     mqtt.Client
	now        func() time.Time

	mu sync.Mutex
	// open maps camera|type to the open event so an end message without an
	// event_id still closes the right row.
	open map[string]types.EventID
}

func NewIngestor(ctx context.Context) *Ingestor {
	in := &Ingestor{
		now:  time.Now,
		open: make(map[string]types.EventID),
	}
	if inst := instance.GetInstance(ctx); inst != nil {
		inst.EventIngestor = in
	}
	return in
}

func (in *Ingestor) Start(ctx context.Context) error {
	inst := instance.GetInstance(ctx)
	in.cfg = configs.GetCurrentConfig()
	in.db = inst.Store.(ingestStore)
	in.logger = log.GetLogger().WithField("component", "ingest")
	if inst.EventDispatcher != nil {
		in.dispatcher = inst.EventDispatcher.(events.Dispatcher)
	}

	if !in.cfg.MQTT.Enable {
		in.logger.Info("mqtt disabled, event ingest is off")
		return nil
	}

	opts := mqtt.NewClientOptions().
		AddBroker(in.cfg.MQTT.Broker).
		SetClientID(in.cfg.MQTT.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectTimeout(connectTimeout).
		SetKeepAlive(30 * time.Second)
	if in.cfg.MQTT.Username != "" {
		opts.SetUsername(in.cfg.MQTT.Username)
		opts.SetPassword(in.cfg.MQTT.Password)
	}
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		topic := fmt.Sprintf("%s/+/event", in.cfg.MQTT.TopicPrefix)
		token := c.Subscribe(topic, 1, func(_ mqtt.Client, msg mqtt.Message) {
			in.handleMessage(msg.Topic(), msg.Payload())
		})
		token.Wait()
		if err := token.Error(); err != nil {
			in.logger.WithError(err).WithField("topic", topic).Error("mqtt subscribe failed")
			return
		}
		in.logger.WithField("topic", topic).Info("subscribed to camera events")
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		in.logger.WithError(err).Warn("mqtt connection lost")
	})

	in.client = mqtt.NewClient(opts)
	token := in.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return errs.E(errs.SourceUnreachable, "mqtt broker %s connect timed out", in.cfg.MQTT.Broker)
	}
	if err := token.Error(); err != nil {
		return errs.Wrap(errs.SourceUnreachable, err, "mqtt broker %s", in.cfg.MQTT.Broker)
	}
	return nil
}

func (in *Ingestor) Close(ctx context.Context) {
	if in.client != nil && in.client.IsConnected() {
		in.client.Disconnect(250)
	}
}

// handleMessage parses and persists one broker message. Malformed messages
// are counted and dropped; the broker gets no feedback either way.
func (in *Ingestor) handleMessage(topic string, payload []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), handleTimeout)
	defer cancel()

	cameraID, ok := in.cameraFromTopic(topic)
	if !ok {
		metrics.EventsRejected.WithLabelValues("bad_topic").Inc()
		return
	}
	if !gjson.ValidBytes(payload) {
		metrics.EventsRejected.WithLabelValues("bad_payload").Inc()
		in.logger.WithField("camera_id", cameraID).Warn("dropping non-json event payload")
		return
	}

	eventType := types.EventType(gjson.GetBytes(payload, "type").String())
	if !eventType.Valid() || eventType == types.EventContinuous || eventType == types.EventManual {
		metrics.EventsRejected.WithLabelValues("bad_type").Inc()
		in.logger.WithFields(logrus.Fields{
			"camera_id":  cameraID,
			"event_type": eventType,
		}).Warn("dropping event with unusable type")
		return
	}
	if _, err := in.db.GetCamera(ctx, cameraID); err != nil {
		metrics.EventsRejected.WithLabelValues("unknown_camera").Inc()
		in.logger.WithField("camera_id", cameraID).Warn("dropping event for unknown camera")
		return
	}

	phase := gjson.GetBytes(payload, "phase").String()
	if phase == "" {
		phase = "start"
	}

	switch phase {
	case "start":
		in.openEvent(ctx, cameraID, eventType, payload)
	case "end":
		in.closeEvent(ctx, cameraID, eventType, payload)
	default:
		metrics.EventsRejected.WithLabelValues("bad_phase").Inc()
	}
}

func (in *Ingestor) openEvent(ctx context.Context, cameraID types.CameraID, eventType types.EventType, payload []byte) {
	id := types.EventID(gjson.GetBytes(payload, "event_id").String())
	if id == "" {
		id = types.EventID(uuid.NewV4().String())
	}
	severity := gjson.GetBytes(payload, "severity").String()
	if severity == "" {
		severity = "info"
	}

	ev := &store.Event{
		ID:         id,
		CameraID:   cameraID,
		Type:       eventType,
		Severity:   severity,
		StartTime:  in.now(),
		Confidence: gjson.GetBytes(payload, "confidence").Float(),
		Metadata:   gjson.GetBytes(payload, "metadata").Raw,
	}
	if err := in.db.InsertEvent(ctx, ev); err != nil {
		metrics.EventsRejected.WithLabelValues("store").Inc()
		in.logger.WithError(err).WithField("camera_id", cameraID).Error("failed to persist event")
		return
	}

	in.mu.Lock()
	in.open[openKey(cameraID, eventType)] = id
	in.mu.Unlock()

	metrics.EventsIngested.WithLabelValues(string(eventType)).Inc()
	in.logger.WithFields(logrus.Fields{
		"camera_id":  cameraID,
		"event_id":   id,
		"event_type": eventType,
	}).Info("camera event opened")
	in.dispatch(ev)
}

func (in *Ingestor) closeEvent(ctx context.Context, cameraID types.CameraID, eventType types.EventType, payload []byte) {
	id := types.EventID(gjson.GetBytes(payload, "event_id").String())
	key := openKey(cameraID, eventType)
	if id == "" {
		in.mu.Lock()
		id = in.open[key]
		in.mu.Unlock()
	}
	if id == "" {
		metrics.EventsRejected.WithLabelValues("no_open_event").Inc()
		return
	}

	end := in.now()
	if err := in.db.CloseEvent(ctx, id, end); err != nil {
		if !errs.IsKind(err, errs.NotFound) {
			in.logger.WithError(err).WithField("event_id", id).Error("failed to close event")
		}
		return
	}

	in.mu.Lock()
	if in.open[key] == id {
		delete(in.open, key)
	}
	in.mu.Unlock()

	in.logger.WithFields(logrus.Fields{
		"camera_id":  cameraID,
		"event_id":   id,
		"event_type": eventType,
	}).Info("camera event closed")
	in.dispatch(&store.Event{ID: id, CameraID: cameraID, Type: eventType, EndTime: &end})
}

func (in *Ingestor) dispatch(ev *store.Event) {
	if in.dispatcher != nil {
		in.dispatcher.DispatchEvent(events.NewEvent(events.CameraEventArrived, ev))
	}
}

// cameraFromTopic extracts the camera id out of {prefix}/{camera_id}/event.
func (in *Ingestor) cameraFromTopic(topic string) (types.CameraID, bool) {
	prefix := in.cfg.MQTT.TopicPrefix + "/"
	if !strings.HasPrefix(topic, prefix) || !strings.HasSuffix(topic, "/event") {
		return "", false
	}
	id := strings.TrimSuffix(strings.TrimPrefix(topic, prefix), "/event")
	if id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return types.CameraID(id), true
}

func openKey(cameraID types.CameraID, t types.EventType) string {
	return string(cameraID) + "|" + string(t)
}
