package main

import (
	"log"
	"sync"
	"time"

	"cellsim/engine/sim"
)

const (
	statsQueueSize = 1024
	statsFlushAt   = 50
	statsInterval  = 5 * time.Second
)

// TickSample is one recorded tick of one session.
type TickSample struct {
	SessionID string
	Stats     sim.TickStats
	At        time.Time
}

// StatsWriter persists tick statistics with batched background writes
type StatsWriter struct {
	db      *DB
	samples chan TickSample
	stop    chan struct{}
	wg      sync.WaitGroup

	mu      sync.Mutex
	dropped int
	written int
}

// NewStatsWriter creates and starts the background writer
func NewStatsWriter(db *DB) *StatsWriter {
	s := &StatsWriter{
		db:      db,
		samples: make(chan TickSample, statsQueueSize),
		stop:    make(chan struct{}),
	}
	s.wg.Add(1)
	go s.writer()
	return s
}

// Track enqueues a sample without blocking the simulation goroutine.
func (s *StatsWriter) Track(sessionID string, ts sim.TickStats) {
	select {
	case s.samples <- TickSample{SessionID: sessionID, Stats: ts, At: time.Now().UTC()}:
	default:
		s.mu.Lock()
		s.dropped++
		s.mu.Unlock()
	}
}

// Counts returns how many samples were written and dropped so far.
func (s *StatsWriter) Counts() (written, dropped int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written, s.dropped
}

// Stop flushes pending samples and shuts the writer down. Track must not
// be called afterwards.
func (s *StatsWriter) Stop() {
	close(s.stop)
	s.wg.Wait()
}

func (s *StatsWriter) writer() {
	defer s.wg.Done()

	batch := make([]TickSample, 0, 64)
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case ts := <-s.samples:
			batch = append(batch, ts)
			if len(batch) >= statsFlushAt {
				s.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				s.flush(batch)
				batch = batch[:0]
			}
		case <-s.stop:
		drain:
			for {
				select {
				case ts := <-s.samples:
					batch = append(batch, ts)
				default:
					break drain
				}
			}
			if len(batch) > 0 {
				s.flush(batch)
			}
			return
		}
	}
}

// flush writes a batch of samples in one transaction
func (s *StatsWriter) flush(batch []TickSample) {
	if s.db == nil || len(batch) == 0 {
		return
	}
	tx, err := s.db.conn.Begin()
	if err != nil {
		log.Printf("stats: begin tx error: %v", err)
		return
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT INTO tick_stats
		(session_id, tick, entities, players, mass, created, destroyed, dropped, regridded, duration_us, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		log.Printf("stats: prepare error: %v", err)
		return
	}
	defer stmt.Close()

	n := 0
	for _, ts := range batch {
		st := ts.Stats
		_, err := stmt.Exec(ts.SessionID, int64(st.Tick), st.Entities, st.Players, st.Mass,
			st.Created, st.Destroyed, st.Dropped, st.Regridded, st.Duration.Microseconds(),
			ts.At.Format(time.RFC3339Nano))
		if err != nil {
			log.Printf("stats: insert error: %v", err)
			continue
		}
		n++
	}
	if err := tx.Commit(); err != nil {
		log.Printf("stats: commit error: %v", err)
		return
	}
	s.mu.Lock()
	s.written += n
	s.mu.Unlock()
}
