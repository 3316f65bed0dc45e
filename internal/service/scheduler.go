package service

import (
	"context"
	"time"

	"wamux/internal/constants"
	"wamux/internal/metrics"

	"github.com/sirupsen/logrus"
)

// CleanupScheduler periodically removes delivered messages older than the
// retention window. Undelivered messages are never touched.
type CleanupScheduler struct {
	gateway   Gateway
	retention time.Duration
	interval  time.Duration
	stopCh    chan struct{}
	logger    *logrus.Logger
}

func NewCleanupScheduler(gateway Gateway, retentionDays, intervalHours int, logger *logrus.Logger) *CleanupScheduler {
	if retentionDays <= 0 {
		retentionDays = constants.DefaultRetentionDays
	}
	if intervalHours <= 0 {
		intervalHours = constants.DefaultCleanupIntervalHours
	}

	return &CleanupScheduler{
		gateway:   gateway,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
		interval:  time.Duration(intervalHours) * time.Hour,
		stopCh:    make(chan struct{}),
		logger:    logger,
	}
}

func (c *CleanupScheduler) Start() {
	go func() {
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				c.runOnce()
			case <-c.stopCh:
				return
			}
		}
	}()
	c.logger.WithFields(logrus.Fields{
		"retention": c.retention.String(),
		"interval":  c.interval.String(),
	}).Info("Cleanup scheduler started")
}

func (c *CleanupScheduler) Stop() {
	close(c.stopCh)
}

func (c *CleanupScheduler) runOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	cutoff := time.Now().UTC().Add(-c.retention)
	deleted, err := c.gateway.DeleteDeliveredBefore(ctx, cutoff)
	if err != nil {
		c.logger.WithError(err).Error("Cleanup run failed")
		return
	}
	if deleted > 0 {
		metrics.IncrCounter("messages_cleaned", float64(deleted), nil, "Delivered messages removed by retention cleanup")
		c.logger.WithField("deleted", deleted).Info("Cleanup run removed delivered messages")
	}
}
