package streaming

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"jan-server/services/tutor-api/internal/domain/message"
)

const incrementalWriteTimeout = 5 * time.Second

// incrementalWriter persists content snapshots in the background. Offer never blocks the
// token loop; when writes fall behind, only the newest snapshot is kept.
// Offer and Close must be called from a single goroutine.
type incrementalWriter struct {
	repo     message.Repository
	id       string
	metadata message.Metadata
	pending  chan string
	done     chan struct{}
	log      zerolog.Logger
}

func newIncrementalWriter(repo message.Repository, id string, metadata message.Metadata, log zerolog.Logger) *incrementalWriter {
	w := &incrementalWriter{
		repo:     repo,
		id:       id,
		metadata: metadata.Clone(),
		pending:  make(chan string, 1),
		done:     make(chan struct{}),
		log:      log,
	}
	go w.run()
	return w
}

func (w *incrementalWriter) run() {
	defer close(w.done)
	for content := range w.pending {
		ctx, cancel := context.WithTimeout(context.Background(), incrementalWriteTimeout)
		if err := w.repo.UpdateContent(ctx, w.id, content, w.metadata); err != nil {
			w.log.Warn().Err(err).Str("message_id", w.id).Msg("incremental stream write failed")
		}
		cancel()
	}
}

// Offer queues a snapshot, replacing any snapshot not yet written.
func (w *incrementalWriter) Offer(content string) {
	select {
	case w.pending <- content:
		return
	default:
	}
	select {
	case <-w.pending:
	default:
	}
	w.pending <- content
}

// Close writes any queued snapshot and waits, so a later final write cannot be overtaken.
func (w *incrementalWriter) Close() {
	close(w.pending)
	<-w.done
}
