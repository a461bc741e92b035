package main

import (
	"testing"
	"time"

	"cellsim/engine/sim"
)

func TestStatsWriterFlushesOnStop(t *testing.T) {
	db := openTestDB(t)
	s := NewStatsWriter(db)
	for i := 1; i <= 7; i++ {
		s.Track("sess", sim.TickStats{Tick: uint64(i * 60), Entities: i, Duration: time.Millisecond})
	}
	s.Stop()

	written, dropped := s.Counts()
	if written != 7 || dropped != 0 {
		t.Errorf("expected 7 written and 0 dropped, got %d and %d", written, dropped)
	}
	rows, err := db.RecentTickStats("sess", 3)
	if err != nil {
		t.Fatalf("RecentTickStats: %v", err)
	}
	if len(rows) != 3 || rows[0].Tick != 420 || rows[0].Entities != 7 || rows[0].DurationUS != 1000 {
		t.Errorf("unexpected rows %+v", rows)
	}
}

func TestStatsWriterFlushesFullBatch(t *testing.T) {
	db := openTestDB(t)
	s := NewStatsWriter(db)
	defer s.Stop()
	for i := 0; i < statsFlushAt; i++ {
		s.Track("batch", sim.TickStats{Tick: uint64(i)})
	}
	waitFor(t, "batch flush", func() bool {
		written, _ := s.Counts()
		return written == statsFlushAt
	})
}

func TestGameRecordsStats(t *testing.T) {
	db := openTestDB(t)
	stats := NewStatsWriter(db)
	g, err := NewGame("recorded", testSettings(), nil, stats)
	if err != nil {
		t.Fatalf("NewGame: %v", err)
	}
	g.Fill(5)
	go g.Run()
	// Two samples at 120 Hz take about a second.
	time.Sleep(1100 * time.Millisecond)
	g.Stop()
	stats.Stop()

	rows, err := db.RecentTickStats("recorded", 10)
	if err != nil {
		t.Fatalf("RecentTickStats: %v", err)
	}
	if len(rows) == 0 {
		t.Fatal("no stats recorded")
	}
	for _, r := range rows {
		if r.Tick%StatsEvery != 0 || r.Entities != 5 {
			t.Errorf("unexpected sample %+v", r)
		}
	}
}
