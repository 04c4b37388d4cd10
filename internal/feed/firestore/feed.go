// Package firestore streams conversation messages from Cloud Firestore.
package firestore

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"
	"github.com/matheus3301/souk/internal/chat"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// DefaultCollection holds one document per message.
const DefaultCollection = "messages"

// Feed implements chat.Feed with Firestore query snapshots.
type Feed struct {
	client     *firestore.Client
	collection string
	log        *zap.Logger
}

// New connects to projectID. Without options it uses application default
// credentials, or FIRESTORE_EMULATOR_HOST when set.
func New(ctx context.Context, projectID string, log *zap.Logger, opts ...option.ClientOption) (*Feed, error) {
	if projectID == "" {
		return nil, fmt.Errorf("projectID is required for the firestore feed")
	}
	client, err := firestore.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating firestore client: %w", err)
	}
	return NewWithClient(client, DefaultCollection, log), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *firestore.Client, collection string, log *zap.Logger) *Feed {
	if log == nil {
		log = zap.NewNop()
	}
	return &Feed{client: client, collection: collection, log: log}
}

// Close releases the client.
func (f *Feed) Close() error {
	return f.client.Close()
}

func (f *Feed) query(info chat.ChatInfo) firestore.Query {
	return f.client.Collection(f.collection).
		Where("buyerId", "==", info.BuyerID).
		Where("sellerId", "==", info.SellerID).
		OrderBy("createdAt", firestore.Asc)
}

// Subscribe emits the full ordered message set on every change.
func (f *Feed) Subscribe(ctx context.Context, info chat.ChatInfo) (<-chan []chat.Record, error) {
	it := f.query(info).Snapshots(ctx)
	out := make(chan []chat.Record)

	go func() {
		defer close(out)
		defer it.Stop()
		for {
			snap, err := it.Next()
			if err != nil {
				if status.Code(err) == codes.Canceled || ctx.Err() != nil {
					return
				}
				f.log.Error("firestore snapshot", zap.String("chat_id", info.ID), zap.Error(err))
				return
			}

			docs, err := snap.Documents.GetAll()
			if err != nil {
				f.log.Error("firestore snapshot documents", zap.String("chat_id", info.ID), zap.Error(err))
				continue
			}
			recs := make([]chat.Record, 0, len(docs))
			for _, d := range docs {
				rec := toRecord(d.Ref.ID, d.DataTo)
				if rec.DecodeErr != nil {
					f.log.Debug("undecodable message document", zap.String("id", d.Ref.ID), zap.Error(rec.DecodeErr))
				}
				recs = append(recs, rec)
			}

			select {
			case out <- recs:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// toRecord reads a document into a Record. A document that does not fit is
// passed on with DecodeErr set so the stream drops it as malformed.
func toRecord(id string, dataTo func(any) error) chat.Record {
	var rec chat.Record
	if err := dataTo(&rec); err != nil {
		rec = chat.Record{DecodeErr: err}
	}
	rec.ID = id
	return rec
}
