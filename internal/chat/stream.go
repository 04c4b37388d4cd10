package chat

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/matheus3301/souk/internal/bus"
	"github.com/matheus3301/souk/internal/metrics"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Feed delivers full snapshots of a conversation's messages, ordered by
// creation time. The channel is closed when ctx ends or the feed gives up.
type Feed interface {
	Subscribe(ctx context.Context, info ChatInfo) (<-chan []Record, error)
}

// ReadMarker marks a message as read on the server.
type ReadMarker interface {
	MarkRead(ctx context.Context, chatID, messageID string) error
}

// ClustersUpdated is the payload of bus.KindChatClustersUpdated.
type ClustersUpdated struct {
	ChatID   string
	Clusters []Cluster
}

// RecordDropped is the payload of bus.KindChatRecordDropped.
// FeedClosed is the payload of bus.KindChatFeedClosed. The conversation is
// no longer open and has to be subscribed again.
type FeedClosed struct {
	ChatID string
}

type RecordDropped struct {
	ChatID   string
	RecordID string
	Reason   string
}

// ErrNotSubscribed is returned by local edits when no conversation is open.
var ErrNotSubscribed = errors.New("no active chat subscription")

// reconcileWindow bounds the timestamp distance between an optimistic message
// and its server echo.
const reconcileWindow = 2 * time.Minute

const markReadTimeout = 15 * time.Second

// Option customizes a Stream.
type Option func(*Stream)

// WithLocation sets the time zone used for day boundaries.
func WithLocation(loc *time.Location) Option {
	return func(s *Stream) { s.loc = loc }
}

// WithMarkReadRate paces mark-read calls. Zero disables pacing.
func WithMarkReadRate(perSec float64) Option {
	return func(s *Stream) {
		if perSec > 0 {
			s.limiter = rate.NewLimiter(rate.Limit(perSec), 1)
		} else {
			s.limiter = nil
		}
	}
}

// Stream keeps the clustered view of the open conversation. At most one
// conversation is open at a time.
type Stream struct {
	feed    Feed
	marker  ReadMarker
	self    func() string
	bus     *bus.Bus
	log     *zap.Logger
	loc     *time.Location
	limiter *rate.Limiter

	subMu sync.Mutex // serializes Subscribe and Unsubscribe

	mu        sync.Mutex
	gen       uint64
	cancel    context.CancelFunc
	done      chan struct{}
	info      ChatInfo
	confirmed map[string]Message
	readIDs   map[string]bool
	attempted map[string]bool
	matched   map[string]bool // confirmed ids that already replaced a local message
	locals    []Message
	clusters  []Cluster

	marks sync.WaitGroup
}

// NewStream creates an idle stream. self returns the signed-in user id.
func NewStream(feed Feed, marker ReadMarker, self func() string, b *bus.Bus, log *zap.Logger, opts ...Option) *Stream {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Stream{
		feed:    feed,
		marker:  marker,
		self:    self,
		bus:     b,
		log:     log,
		loc:     time.Local,
		limiter: rate.NewLimiter(rate.Limit(5), 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Subscribe opens the feed for info, closing any previous subscription first.
// Emissions are handled one at a time in arrival order.
func (s *Stream) Subscribe(ctx context.Context, info ChatInfo) error {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.unsubscribe()

	fctx, cancel := context.WithCancel(ctx)
	ch, err := s.feed.Subscribe(fctx, info)
	if err != nil {
		cancel()
		return err
	}

	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.cancel = cancel
	s.done = make(chan struct{})
	s.info = info
	s.confirmed = make(map[string]Message)
	s.readIDs = make(map[string]bool)
	s.attempted = make(map[string]bool)
	s.matched = make(map[string]bool)
	s.locals = nil
	s.clusters = nil
	done := s.done
	s.mu.Unlock()

	s.log.Info("chat subscribed", zap.String("chat_id", info.ID))
	go s.run(fctx, gen, ch, done)
	return nil
}

// Unsubscribe closes the feed. Nothing is published for the old conversation
// once it returns. Calling it again is a no-op.
func (s *Stream) Unsubscribe() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.unsubscribe()
}

func (s *Stream) unsubscribe() {
	s.mu.Lock()
	if s.cancel == nil {
		s.mu.Unlock()
		return
	}
	s.gen++
	s.cancel()
	s.cancel = nil
	done := s.done
	chatID := s.info.ID
	s.info = ChatInfo{}
	s.clusters = nil
	s.locals = nil
	s.mu.Unlock()

	<-done
	s.log.Info("chat unsubscribed", zap.String("chat_id", chatID))
}

// Info returns the open conversation.
func (s *Stream) Info() (ChatInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info, s.cancel != nil
}

// Clusters returns the latest cluster list.
func (s *Stream) Clusters() []Cluster {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Cluster(nil), s.clusters...)
}

// InsertLocal shows a just-composed message before the server confirms it.
func (s *Stream) InsertLocal(chatID string, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil || s.info.ID != chatID {
		return ErrNotSubscribed
	}
	s.locals = append(s.locals, msg)
	s.clusters = AppendLocal(s.clusters, msg, s.loc)
	s.publishLocked()
	return nil
}

// MarkFailed flags an optimistic message whose send failed. It reports
// whether the message was still on screen.
func (s *Stream) MarkFailed(chatID, localID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil || s.info.ID != chatID {
		return false
	}
	found := false
	for i, m := range s.locals {
		if m.Meta().ID != localID {
			continue
		}
		b := m.Meta()
		b.Status = StatusFailed
		s.locals[i] = m.withMeta(b)
		found = true
	}
	if !found {
		return false
	}
	for ci, c := range s.clusters {
		for mi, m := range c.Messages {
			if m.Meta().ID == localID {
				msgs := append([]Message(nil), c.Messages...)
				b := m.Meta()
				b.Status = StatusFailed
				msgs[mi] = m.withMeta(b)
				s.clusters[ci] = Cluster{Location: c.Location, Messages: msgs}
			}
		}
	}
	s.publishLocked()
	return true
}

// Wait blocks until in-flight mark-read calls return.
func (s *Stream) Wait() {
	s.marks.Wait()
}

func (s *Stream) run(ctx context.Context, gen uint64, ch <-chan []Record, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case recs, ok := <-ch:
			if !ok {
				s.feedClosed(gen)
				return
			}
			s.handle(ctx, gen, recs)
		}
	}
}

// feedClosed ends a subscription whose feed gave up on its own.
func (s *Stream) feedClosed(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen || s.cancel == nil {
		return
	}
	chatID := s.info.ID
	s.gen++
	s.cancel()
	s.cancel = nil
	s.info = ChatInfo{}
	s.clusters = nil
	s.locals = nil
	s.log.Warn("chat feed closed", zap.String("chat_id", chatID))
	s.bus.Publish(bus.NewEvent(bus.KindChatFeedClosed, FeedClosed{ChatID: chatID}))
}

func (s *Stream) handle(ctx context.Context, gen uint64, recs []Record) {
	metrics.FeedEmissions.Inc()
	self := ""
	if s.self != nil {
		self = s.self()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		return
	}
	chatID := s.info.ID

	snapshot := make([]Message, 0, len(recs))
	index := make(map[string]int, len(recs))
	next := make(map[string]Message, len(recs))
	for _, r := range recs {
		m, err := Decode(r, self)
		if err != nil {
			s.drop(chatID, r.ID, err)
			continue
		}
		m = s.mergeLocked(m)
		id := m.Meta().ID
		if i, dup := index[id]; dup {
			snapshot[i] = m
		} else {
			index[id] = len(snapshot)
			snapshot = append(snapshot, m)
		}
		next[id] = m
	}
	s.confirmed = next

	var toMark []string
	for _, m := range snapshot {
		b := m.Meta()
		if !b.Read && !b.Mine && !s.attempted[b.ID] {
			s.attempted[b.ID] = true
			toMark = append(toMark, b.ID)
		}
	}
	for _, id := range toMark {
		s.marks.Add(1)
		go s.markRead(ctx, gen, chatID, id)
	}

	s.reconcileLocked(snapshot)

	clusters := BuildClusters(append(snapshot, s.locals...), s.loc)
	unchanged := EquivalentClusters(clusters, s.clusters)
	s.clusters = clusters
	if unchanged {
		metrics.ClusterPublishes.WithLabelValues("suppressed").Inc()
		return
	}
	s.publishLocked()
}

// mergeLocked folds a decoded message into what is already known about it.
func (s *Stream) mergeLocked(m Message) Message {
	b := m.Meta()
	if prev, ok := s.confirmed[b.ID]; ok {
		p := prev.Meta()
		b.Timestamp = p.Timestamp
		b.From = p.From
		b.Mine = p.Mine
		b.Read = b.Read || p.Read
	}
	b.Read = b.Read || s.readIDs[b.ID]
	if b.Read {
		s.readIDs[b.ID] = true
	}
	return m.withMeta(b)
}

// reconcileLocked drops optimistic messages the feed has echoed back. An echo
// matches by client id, or else by kind and content within reconcileWindow.
// Each echo replaces at most one local message.
func (s *Stream) reconcileLocked(snapshot []Message) {
	if len(s.locals) == 0 {
		return
	}
	for _, c := range snapshot {
		cb := c.Meta()
		if !cb.Mine || s.matched[cb.ID] {
			continue
		}
		idx := -1
		for i, l := range s.locals {
			lb := l.Meta()
			if cb.ClientID != "" && cb.ClientID == lb.ID {
				idx = i
				break
			}
			d := cb.Timestamp.Sub(lb.Timestamp)
			if idx < 0 && l.Kind() == c.Kind() && l.sameContent(c) && d <= reconcileWindow && d >= -reconcileWindow {
				idx = i
			}
		}
		if idx < 0 {
			continue
		}
		s.matched[cb.ID] = true
		s.locals = append(s.locals[:idx:idx], s.locals[idx+1:]...)
		if len(s.locals) == 0 {
			return
		}
	}
}

func (s *Stream) publishLocked() {
	metrics.ClusterPublishes.WithLabelValues("published").Inc()
	s.bus.Publish(bus.NewEvent(bus.KindChatClustersUpdated, ClustersUpdated{
		ChatID:   s.info.ID,
		Clusters: append([]Cluster(nil), s.clusters...),
	}))
}

func (s *Stream) drop(chatID, recordID string, err error) {
	reason := "malformed"
	if errors.Is(err, ErrUnknownType) {
		reason = "unknown_type"
	}
	metrics.DroppedRecords.WithLabelValues(reason).Inc()
	s.log.Warn("dropping feed record", zap.String("chat_id", chatID), zap.String("record_id", recordID), zap.Error(err))
	s.bus.Publish(bus.NewEvent(bus.KindChatRecordDropped, RecordDropped{
		ChatID:   chatID,
		RecordID: recordID,
		Reason:   err.Error(),
	}))
}

// markRead runs detached from the subscription: unsubscribing does not cancel
// a call already sent, its result is just ignored.
func (s *Stream) markRead(ctx context.Context, gen uint64, chatID, msgID string) {
	defer s.marks.Done()
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return
		}
	}

	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), markReadTimeout)
	defer cancel()
	err := s.marker.MarkRead(callCtx, chatID, msgID)

	s.mu.Lock()
	stale := gen != s.gen
	if !stale && err == nil {
		s.readIDs[msgID] = true
	}
	s.mu.Unlock()

	switch {
	case stale:
		metrics.MarkReads.WithLabelValues("ignored").Inc()
		s.log.Debug("mark read result ignored", zap.String("message_id", msgID))
	case err != nil:
		metrics.MarkReads.WithLabelValues("failed").Inc()
		s.log.Warn("mark read failed", zap.String("chat_id", chatID), zap.String("message_id", msgID), zap.Error(err))
	default:
		metrics.MarkReads.WithLabelValues("ok").Inc()
	}
}
