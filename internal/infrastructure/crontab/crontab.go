package crontab

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mileusna/crontab"
	"github.com/rs/zerolog"

	"jan-server/services/tutor-api/internal/domain/message"
	"jan-server/services/tutor-api/internal/infrastructure/metrics"
	"jan-server/services/tutor-api/internal/utils/platformerrors"
)

const (
	DefaultSweepInterval = 1               // in minutes
	CronJobTimeout       = 2 * time.Minute // Timeout for each cron job execution
)

// Crontab runs the stale stream sweeper. A crashed replica can leave assistant rows
// flagged as streaming; the sweeper settles them so no client waits forever.
type Crontab struct {
	ctab       *crontab.Crontab
	repo       message.Repository
	publisher  message.Publisher
	staleAfter time.Duration
	interval   int
	log        zerolog.Logger
	now        func() time.Time
}

// NewCrontab creates the sweeper. publisher may be nil.
func NewCrontab(repo message.Repository, publisher message.Publisher, staleAfter time.Duration, intervalMinutes int, log zerolog.Logger) *Crontab {
	if staleAfter <= 0 {
		staleAfter = 10 * time.Minute
	}
	if intervalMinutes <= 0 {
		intervalMinutes = DefaultSweepInterval
	}
	return &Crontab{
		ctab:       crontab.New(),
		repo:       repo,
		publisher:  publisher,
		staleAfter: staleAfter,
		interval:   intervalMinutes,
		log:        log.With().Str("component", "stream-sweeper").Logger(),
		now:        time.Now,
	}
}

// Run sweeps once on start and then on schedule until ctx is cancelled.
func (c *Crontab) Run(ctx context.Context) error {
	// execute once on server start
	c.Sweep(ctx)

	cronExpr := fmt.Sprintf("*/%d * * * *", c.interval)
	if err := c.ctab.AddJob(cronExpr, func() {
		jobCtx, cancel := context.WithTimeout(context.Background(), CronJobTimeout)
		defer cancel()
		c.Sweep(jobCtx)
	}); err != nil {
		return platformerrors.AsError(ctx, platformerrors.LayerInfrastructure, err, "failed to add stream sweep job")
	}
	c.log.Info().Msgf("Stream sweep scheduled: every %d minute(s)", c.interval)

	<-ctx.Done()
	c.ctab.Shutdown()
	return nil
}

// Sweep settles rows still streaming or thinking after the stale threshold and
// returns how many rows it touched.
func (c *Crontab) Sweep(ctx context.Context) int {
	cutoff := c.now().Add(-c.staleAfter)
	rows, err := c.repo.ListStreamingBefore(ctx, cutoff)
	if err != nil {
		c.log.Error().Err(err).Msg("Failed to list stale streams")
		return 0
	}

	swept := 0
	for _, row := range rows {
		var err error
		switch {
		case row.Metadata.Bool(message.MetaIsThinking):
			err = c.remove(ctx, row, "thinking")
		case strings.TrimSpace(row.Content) == "":
			err = c.remove(ctx, row, "empty")
		default:
			err = c.interrupt(ctx, row)
		}
		if err != nil {
			c.log.Error().Err(err).Str("message_id", row.ID).Msg("Failed to settle stale stream")
			continue
		}
		swept++
	}

	if swept > 0 {
		c.log.Info().Int("swept", swept).Time("cutoff", cutoff).Msg("Settled stale streams")
	}
	return swept
}

func (c *Crontab) remove(ctx context.Context, row *message.Message, kind string) error {
	if err := c.repo.Delete(ctx, row.ID); err != nil {
		return err
	}
	metrics.SweptStreamsTotal.WithLabelValues(kind).Inc()
	c.publish(ctx, message.Event{
		Type:       message.EventDeleted,
		RoomID:     row.RoomID,
		InstanceID: row.ConversationInstanceID,
		MessageID:  row.ID,
		SentAt:     c.now().UTC(),
	})
	return nil
}

func (c *Crontab) interrupt(ctx context.Context, row *message.Message) error {
	metadata := row.Metadata.Clone()
	delete(metadata, message.MetaIsStreaming)
	metadata[message.MetaInterrupted] = true
	content := row.Content

	if err := c.repo.UpdateContent(ctx, row.ID, content, metadata); err != nil {
		return err
	}
	metrics.SweptStreamsTotal.WithLabelValues("interrupted").Inc()

	updated := row.Clone()
	updated.Content = content
	updated.Metadata = metadata
	c.publish(ctx, message.NewEvent(message.EventUpdated, updated))
	return nil
}

func (c *Crontab) publish(ctx context.Context, event message.Event) {
	if c.publisher == nil {
		return
	}
	if err := c.publisher.Publish(ctx, event); err != nil {
		c.log.Warn().Err(err).Str("message_id", event.MessageID).Msg("Failed to publish sweep event")
	}
}
