package collab

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/IBM/sarama"

	"tmcollab/backend/internal/permission"
)

// 持久化记录（外部协作者的三张追加表）
type HistoryRecord struct {
	EventID   string          `json:"eventId"`
	UserID    uint64          `json:"userId"`
	EventType string          `json:"eventType"`
	ModelID   string          `json:"modelId"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

type CommentRecord struct {
	CommentID string          `json:"commentId"`
	ModelID   string          `json:"modelId"`
	ElementID string          `json:"elementId"`
	UserID    uint64          `json:"userId"`
	Text      string          `json:"text"`
	Position  json.RawMessage `json:"position,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// HistoryStore 由外部持久层实现（MySQL 追加写）
type HistoryStore interface {
	AppendHistory(ctx context.Context, rec HistoryRecord) error
	AppendAudit(ctx context.Context, entry permission.AuditEntry) error
	AppendComment(ctx context.Context, rec CommentRecord) error
}

type sinkItemKind int

const (
	itemHistory sinkItemKind = iota
	itemAudit
	itemComment
)

type sinkItem struct {
	kind    sinkItemKind
	event   CollaborationEvent
	audit   permission.AuditEntry
	comment CommentRecord
}

// HistoryDispatcher：本地有界队列 + worker 异步落地 + 有限重试。
// 目标：
// - 不阻塞实时链路（入队即返回，队列满则丢弃并记日志）
// - Kafka / MySQL 短暂不可用时由 worker 退避补写
// - 重试耗尽允许降级丢弃，内存状态仍是权威
type HistoryDispatcher struct {
	producer sarama.SyncProducer
	topic    string
	store    HistoryStore

	queue chan sinkItem

	workers     int
	maxRetry    int
	baseBackoff time.Duration
	maxBackoff  time.Duration
}

type HistoryDispatcherOptions struct {
	QueueSize   int
	Workers     int
	MaxRetry    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func NewHistoryDispatcher(producer sarama.SyncProducer, topic string, store HistoryStore, opt HistoryDispatcherOptions) *HistoryDispatcher {
	if opt.QueueSize <= 0 {
		opt.QueueSize = 10_000
	}
	if opt.Workers <= 0 {
		opt.Workers = 4
	}
	d := &HistoryDispatcher{
		producer:    producer,
		topic:       topic,
		store:       store,
		queue:       make(chan sinkItem, opt.QueueSize),
		workers:     opt.Workers,
		maxRetry:    opt.MaxRetry,
		baseBackoff: opt.BaseBackoff,
		maxBackoff:  opt.MaxBackoff,
	}
	d.start()
	return d
}

func (d *HistoryDispatcher) start() {
	for i := 0; i < d.workers; i++ {
		go d.workerLoop(i)
	}
}

// EnqueueHistory 实现 HistorySink；实时路径上绝不阻塞
func (d *HistoryDispatcher) EnqueueHistory(evt CollaborationEvent) {
	d.enqueue(sinkItem{kind: itemHistory, event: evt})
}

// EnqueueAudit 实现 permission.AuditSink
func (d *HistoryDispatcher) EnqueueAudit(entry permission.AuditEntry) {
	d.enqueue(sinkItem{kind: itemAudit, audit: entry})
}

func (d *HistoryDispatcher) EnqueueComment(rec CommentRecord) {
	d.enqueue(sinkItem{kind: itemComment, comment: rec})
}

func (d *HistoryDispatcher) enqueue(item sinkItem) {
	select {
	case d.queue <- item:
	default:
		log.Printf("history sink: queue full, drop item kind=%d", item.kind)
	}
}

func (d *HistoryDispatcher) workerLoop(workerID int) {
	for item := range d.queue {
		d.writeWithRetry(workerID, item)
	}
}

func (d *HistoryDispatcher) writeWithRetry(workerID int, item sinkItem) {
	for attempt := 0; attempt <= d.maxRetry; attempt++ {
		err := d.writeOnce(item)
		if err == nil {
			return
		}
		if attempt == d.maxRetry {
			log.Printf("history sink: write failed, drop item kind=%d worker=%d err=%v",
				item.kind, workerID, err)
			return
		}
		// 退避，每次退避时间X2
		backoff := d.baseBackoff * time.Duration(1<<attempt)
		if backoff > d.maxBackoff {
			backoff = d.maxBackoff
		}
		time.Sleep(backoff)
	}
}

func (d *HistoryDispatcher) writeOnce(item sinkItem) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	switch item.kind {
	case itemHistory:
		if err := d.publishKafka(item.event); err != nil {
			return err
		}
		if d.store == nil {
			return nil
		}
		return d.store.AppendHistory(ctx, HistoryRecord{
			EventID:   item.event.ID,
			UserID:    item.event.UserID,
			EventType: item.event.Type,
			ModelID:   item.event.ModelID,
			Payload:   item.event.Payload,
			Timestamp: item.event.Timestamp,
		})
	case itemAudit:
		if d.store == nil {
			return nil
		}
		return d.store.AppendAudit(ctx, item.audit)
	case itemComment:
		if d.store == nil {
			return nil
		}
		return d.store.AppendComment(ctx, item.comment)
	}
	return nil
}

func (d *HistoryDispatcher) publishKafka(evt CollaborationEvent) error {
	if d.producer == nil || d.topic == "" {
		return nil
	}
	b, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: d.topic,
		Key:   sarama.StringEncoder(evt.ModelID), // 以 modelId 做 key，按模型分区
		Value: sarama.ByteEncoder(b),
	}
	_, _, err = d.producer.SendMessage(msg)
	return err
}
