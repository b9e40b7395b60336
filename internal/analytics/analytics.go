// Package analytics aggregates delivery attempts and notification events
// into campaign and growth reports. Pure reads, no side effects.
package analytics

import (
	"time"

	"github.com/trafficlens/trafficlens/internal/model"
	"github.com/trafficlens/trafficlens/internal/store"
)

type Service struct {
	attempts *store.AttemptStore
	events   *store.EventStore
}

func NewService(attempts *store.AttemptStore, events *store.EventStore) *Service {
	return &Service{attempts: attempts, events: events}
}

// CampaignStats aggregates one campaign's outcomes. Click rate is clicks
// over delivered (an undelivered message cannot be clicked) and is 0
// when nothing was delivered.
func (s *Service) CampaignStats(campaignID int64) (*model.CampaignStats, error) {
	sent, delivered, err := s.attempts.Counts(campaignID)
	if err != nil {
		return nil, err
	}

	clicked, err := s.events.CountClicked(campaignID)
	if err != nil {
		return nil, err
	}

	var rate float64
	if delivered > 0 {
		rate = float64(clicked) / float64(delivered)
	}

	return &model.CampaignStats{
		CampaignID: campaignID,
		Sent:       sent,
		Delivered:  delivered,
		Clicked:    clicked,
		ClickRate:  rate,
	}, nil
}

// ResultBreakdown exposes the per-result outcome counts for operator
// reporting.
func (s *Service) ResultBreakdown(campaignID int64) (map[string]int64, error) {
	return s.attempts.ResultBreakdown(campaignID)
}

// GrowthSeries returns one point per day over the trailing window, oldest
// first, with zero-filled gaps so the series is continuous.
func (s *Service) GrowthSeries(domainID int64, days int) ([]model.GrowthPoint, error) {
	if days <= 0 {
		days = 30
	}
	since := time.Now().UTC().AddDate(0, 0, -(days - 1)).Truncate(24 * time.Hour)

	created, err := s.events.NewSubscribersByDay(domainID, since)
	if err != nil {
		return nil, err
	}
	deactivated, err := s.events.DeactivationsByDay(domainID, since)
	if err != nil {
		return nil, err
	}

	newByDay := make(map[string]int64, len(created))
	for _, dc := range created {
		newByDay[dc.Date] = dc.Count
	}
	goneByDay := make(map[string]int64, len(deactivated))
	for _, dc := range deactivated {
		goneByDay[dc.Date] = dc.Count
	}

	series := make([]model.GrowthPoint, 0, days)
	for i := 0; i < days; i++ {
		date := since.AddDate(0, 0, i).Format("2006-01-02")
		added := newByDay[date]
		lost := goneByDay[date]
		series = append(series, model.GrowthPoint{
			Date:           date,
			NewSubscribers: added,
			Unsubscribed:   lost,
			NetGrowth:      added - lost,
		})
	}
	return series, nil
}
