// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at DicomRoute (https://github.com/dicomroute/dicomroute).
// Copyright 2021-present DicomRoute authors.

package archive

import (
	"time"

	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"
)

// Cleaner removes archived studies past the retention window once every
// destination has reached a terminal status. Studies with a pending or
// in-flight destination stay on disk no matter how old they are.
type Cleaner struct {
	archive   *Archive
	retention time.Duration
	cron      *cron.Cron
}

// NewCleaner builds a cleaner; retentionDays <= 0 disables it.
func NewCleaner(a *Archive, retentionDays int) *Cleaner {
	return &Cleaner{
		archive:   a,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
	}
}

// Start schedules the hourly sweep. A disabled cleaner starts as a no-op.
func (c *Cleaner) Start() {
	if c.retention <= 0 {
		log.Debug("archive retention cleaner disabled")
		return
	}
	c.cron = cron.New()
	c.cron.AddFunc("@every 1h", func() {
		removed, err := c.RemoveExpired(time.Now())
		if err != nil {
			log.WithError(err).Warn("archive retention sweep failed")
		}
		if removed > 0 {
			log.WithField("removed", removed).Info("archive retention sweep")
		}
	})
	c.cron.Start()
}

// Stop halts the schedule and waits for a running sweep to finish.
func (c *Cleaner) Stop() {
	if c.cron != nil {
		<-c.cron.Stop().Done()
	}
}

// RemoveExpired deletes every study archived before now-retention whose
// destination statuses are all terminal, and returns how many were removed.
func (c *Cleaner) RemoveExpired(now time.Time) (int, error) {
	if c.retention <= 0 {
		return 0, nil
	}
	cutoff := now.Add(-c.retention)
	removed := 0
	err := c.archive.EachStudy(func(s Summary) error {
		if s.ArchivedAt.After(cutoff) {
			return nil
		}
		statuses, err := c.archive.Statuses(s.RouteAE, s.StudyUID)
		if err != nil {
			return err
		}
		if len(statuses) == 0 {
			// A study without any status record may still be mid-archive;
			// leave it for the operator.
			return nil
		}
		for _, rec := range statuses {
			if !rec.Status.Terminal() {
				return nil
			}
		}
		if err := c.archive.Remove(s.RouteAE, s.StudyUID); err != nil {
			return err
		}
		log.WithFields(log.Fields{"route": s.RouteAE, "study": s.StudyUID}).Info("expired study removed")
		removed++
		return nil
	})
	return removed, err
}
