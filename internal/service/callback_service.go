package service

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"quillsync-be/internal/dto"
	"quillsync-be/internal/pkg/logger"
	"quillsync-be/internal/store"
)

const ChangeTopic = "document.changed"

// ChangePublisher implements the room's change notifier by publishing
// to the in-process bus. Publish failures are logged, never surfaced:
// the callback path is fire-and-forget.
type ChangePublisher struct {
	pubSub *gochannel.GoChannel
	logger logger.ILogger
}

func NewChangePublisher(pubSub *gochannel.GoChannel, log logger.ILogger) *ChangePublisher {
	return &ChangePublisher{pubSub: pubSub, logger: log}
}

func (p *ChangePublisher) DocumentChanged(tenant store.TenantKey, documentID string, size int) {
	payload, _ := json.Marshal(dto.DocumentChangedMessage{
		Owner:      tenant.Owner,
		Project:    tenant.Project,
		DocumentID: documentID,
		UpdateSize: size,
		ChangedAt:  time.Now().UTC(),
	})
	msg := message.NewMessage(watermill.NewUUID(), payload)
	if err := p.pubSub.Publish(ChangeTopic, msg); err != nil {
		p.logger.Warn("Callback", "Failed to publish change event", map[string]interface{}{
			"document": documentID, "error": err.Error(),
		})
	}
}

type ICallbackService interface {
	Consume(ctx context.Context) error
}

// callbackService consumes change events, debounces them per document
// and POSTs the latest payload to the configured callback URL.
type callbackService struct {
	pubSub   *gochannel.GoChannel
	url      string
	debounce time.Duration
	client   *http.Client
	logger   logger.ILogger

	mu      sync.Mutex
	pending map[string]*time.Timer
}

func NewCallbackService(pubSub *gochannel.GoChannel, url string, timeout, debounce time.Duration, log logger.ILogger) ICallbackService {
	return &callbackService{
		pubSub:   pubSub,
		url:      url,
		debounce: debounce,
		client:   &http.Client{Timeout: timeout},
		logger:   log,
		pending:  make(map[string]*time.Timer),
	}
}

func (cs *callbackService) Consume(ctx context.Context) error {
	messages, err := cs.pubSub.Subscribe(ctx, ChangeTopic)
	if err != nil {
		return err
	}

	go func() {
		for msg := range messages {
			cs.processMessage(msg)
		}
	}()

	return nil
}

func (cs *callbackService) processMessage(msg *message.Message) {
	var payload dto.DocumentChangedMessage
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		cs.logger.Warn("Callback", "Discarding unreadable change event", map[string]interface{}{"error": err.Error()})
		msg.Ack()
		return
	}
	msg.Ack()

	if cs.url == "" {
		return
	}

	key := payload.Owner + "/" + payload.Project + "/" + payload.DocumentID
	body := msg.Payload

	cs.mu.Lock()
	if t, ok := cs.pending[key]; ok {
		t.Stop()
	}
	cs.pending[key] = time.AfterFunc(cs.debounce, func() {
		cs.mu.Lock()
		delete(cs.pending, key)
		cs.mu.Unlock()
		cs.post(body)
	})
	cs.mu.Unlock()
}

func (cs *callbackService) post(body []byte) {
	resp, err := cs.client.Post(cs.url, "application/json", bytes.NewReader(body))
	if err != nil {
		cs.logger.Warn("Callback", "Callback POST failed", map[string]interface{}{"error": err.Error()})
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		cs.logger.Warn("Callback", "Callback rejected", map[string]interface{}{"status": resp.StatusCode})
	}
}
