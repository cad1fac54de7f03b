/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package queue

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/friendsincode/chargequeue/internal/models"
	"github.com/friendsincode/chargequeue/internal/store"
	"github.com/friendsincode/chargequeue/internal/telemetry"
)

// QueueView is an entry decorated for display. For waiting entries
// EstimatedEndTime is a projection, not a persisted deadline.
type QueueView struct {
	models.Entry
	StationName          string     `json:"stationName,omitempty"`
	RemainingSeconds     *int64     `json:"remainingSeconds,omitempty"`
	EstimatedStartTime   *time.Time `json:"estimatedStartTime,omitempty"`
	EstimatedWaitSeconds *int64     `json:"estimatedWaitSeconds,omitempty"`
}

// Queue returns every entry: active sessions by station, then the
// waiting line in position order.
func (s *Service) Queue(ctx context.Context) ([]models.Entry, error) {
	entries, err := s.store.FindMany(ctx, store.Filter{})
	if err != nil {
		return nil, infra("load queue", err)
	}
	sortForDisplay(entries)
	return entries, nil
}

func sortForDisplay(entries []models.Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.Active() != b.Active() {
			return a.Active()
		}
		if a.Active() {
			return a.StationID < b.StationID
		}
		return a.Position < b.Position
	})
}

// QueueWithEstimates decorates the queue with remaining time for active
// sessions and projected start times for waiting entries.
func (s *Service) QueueWithEstimates(ctx context.Context) ([]QueueView, error) {
	entries, err := s.Queue(ctx)
	if err != nil {
		return nil, err
	}
	views := buildViews(entries, s.timers.Now(), s.cfg.StationCount, s.StationName)
	recordGauges(entries)
	return views, nil
}

// Snapshot is the initial state sent to new event subscribers.
func (s *Service) Snapshot(ctx context.Context) (any, error) {
	return s.QueueWithEstimates(ctx)
}

func buildViews(entries []models.Entry, now time.Time, stationCount int, name func(int) string) []QueueView {
	fallback := time.Duration(DefaultSessionMinutes) * time.Minute

	occupied := 0
	var endTimes []time.Time
	for _, e := range entries {
		if !e.Active() {
			continue
		}
		occupied++
		if e.EstimatedEndTime != nil {
			endTimes = append(endTimes, *e.EstimatedEndTime)
		} else {
			endTimes = append(endTimes, now.Add(fallback))
		}
	}
	sort.Slice(endTimes, func(i, j int) bool { return endTimes[i].Before(endTimes[j]) })

	available := stationCount - occupied
	if available < 0 {
		available = 0
	}
	earliest := now
	if len(endTimes) > 0 && endTimes[0].After(now) {
		earliest = endTimes[0]
	}

	views := make([]QueueView, 0, len(entries))
	waitingIdx := 0
	for _, e := range entries {
		v := QueueView{Entry: e}
		if e.StationID > 0 {
			v.StationName = name(e.StationID)
		}

		if e.Active() {
			remaining := int64(fallback.Seconds())
			if e.EstimatedEndTime != nil {
				remaining = int64(math.Ceil(e.EstimatedEndTime.Sub(now).Seconds()))
				if remaining < 0 {
					remaining = 0
				}
			}
			v.RemainingSeconds = &remaining
			views = append(views, v)
			continue
		}

		start := now
		if waitingIdx >= available {
			behind := waitingIdx - available
			start = earliest.Add(time.Duration(behind) * fallback)
		}
		wait := int64(math.Ceil(start.Sub(now).Seconds()))
		if wait < 0 {
			wait = 0
		}
		duration := fallback
		if e.DurationMinutes > 0 {
			duration = time.Duration(e.DurationMinutes) * time.Minute
		}
		end := start.Add(duration)

		v.EstimatedStartTime = &start
		v.EstimatedWaitSeconds = &wait
		v.EstimatedEndTime = &end
		views = append(views, v)
		waitingIdx++
	}
	return views
}

func recordGauges(entries []models.Entry) {
	var waiting, charging, overtime int
	for _, e := range entries {
		switch e.Status {
		case models.StatusWaiting:
			waiting++
		case models.StatusCharging:
			charging++
		case models.StatusOvertime:
			overtime++
		}
	}
	telemetry.WaitingEntries.Set(float64(waiting))
	telemetry.ActiveSessions.WithLabelValues(string(models.StatusCharging)).Set(float64(charging))
	telemetry.ActiveSessions.WithLabelValues(string(models.StatusOvertime)).Set(float64(overtime))
}

// Station states reported by Stats.
const (
	StationFree     = "free"
	StationReserved = "reserved"
	StationCharging = "charging"
	StationOvertime = "overtime"
)

// StationStatus describes one station.
type StationStatus struct {
	ID               int    `json:"id"`
	Name             string `json:"name"`
	State            string `json:"state"`
	EntryID          uint   `json:"entryId,omitempty"`
	UserID           uint   `json:"userId,omitempty"`
	RemainingSeconds *int64 `json:"remainingSeconds,omitempty"`
}

// Stats summarizes the queue.
type Stats struct {
	StationCount int             `json:"stationCount"`
	Waiting      int             `json:"waiting"`
	Unassigned   int             `json:"unassigned"`
	Reserved     int             `json:"reserved"`
	Charging     int             `json:"charging"`
	Overtime     int             `json:"overtime"`
	Free         int             `json:"free"`
	Stations     []StationStatus `json:"stations"`
}

// Stats returns counts and per-station state.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	entries, err := s.Queue(ctx)
	if err != nil {
		return Stats{}, err
	}
	now := s.timers.Now()
	recordGauges(entries)

	st := Stats{StationCount: s.cfg.StationCount}
	byStation := make(map[int]models.Entry, len(entries))
	for _, e := range entries {
		switch {
		case e.Status == models.StatusCharging:
			st.Charging++
		case e.Status == models.StatusOvertime:
			st.Overtime++
		case e.StationID > 0:
			st.Waiting++
			st.Reserved++
		default:
			st.Waiting++
			st.Unassigned++
		}
		if e.StationID > 0 {
			if prev, ok := byStation[e.StationID]; !ok || e.Active() && !prev.Active() {
				byStation[e.StationID] = e
			}
		}
	}

	for id := 1; id <= s.cfg.StationCount; id++ {
		ss := StationStatus{ID: id, Name: s.StationName(id), State: StationFree}
		if e, ok := byStation[id]; ok {
			ss.EntryID = e.ID
			ss.UserID = e.UserID
			switch e.Status {
			case models.StatusCharging:
				ss.State = StationCharging
			case models.StatusOvertime:
				ss.State = StationOvertime
			default:
				ss.State = StationReserved
			}
			if e.Active() && e.EstimatedEndTime != nil {
				remaining := int64(math.Ceil(e.EstimatedEndTime.Sub(now).Seconds()))
				ss.RemainingSeconds = &remaining
			}
		}
		if ss.State == StationFree {
			st.Free++
		}
		st.Stations = append(st.Stations, ss)
	}
	return st, nil
}

// StationRank scores a station for a newcomer. Lower is better.
type StationRank struct {
	ID       int  `json:"id"`
	Occupied bool `json:"occupied"`
	Load     int  `json:"load"`
}

// RankStations orders stations unoccupied first, then by load (sessions
// plus reservations), then by id.
func (s *Service) RankStations(ctx context.Context) ([]StationRank, error) {
	entries, err := s.store.FindMany(ctx, store.Filter{})
	if err != nil {
		return nil, infra("load entries", err)
	}
	ranks := make([]StationRank, s.cfg.StationCount)
	for i := range ranks {
		ranks[i].ID = i + 1
	}
	for _, e := range entries {
		if !s.validStation(e.StationID) {
			continue
		}
		r := &ranks[e.StationID-1]
		r.Load++
		if e.Active() {
			r.Occupied = true
		}
	}
	sort.SliceStable(ranks, func(i, j int) bool {
		if ranks[i].Occupied != ranks[j].Occupied {
			return !ranks[i].Occupied
		}
		if ranks[i].Load != ranks[j].Load {
			return ranks[i].Load < ranks[j].Load
		}
		return ranks[i].ID < ranks[j].ID
	})
	return ranks, nil
}

// FindBestCharger returns the best station for a newcomer.
func (s *Service) FindBestCharger(ctx context.Context) (int, error) {
	ranks, err := s.RankStations(ctx)
	if err != nil {
		return 0, err
	}
	if len(ranks) == 0 {
		return 0, ErrInvalidStation
	}
	return ranks[0].ID, nil
}
