package statistics

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"
)

// RequestRecordList tracks proxied requests that are still in flight.
type RequestRecordList struct {
	recordAddChan    chan *RequestRecord
	recordRemoveChan chan *RequestRecord
	records          map[uint64]*RequestRecord
	mu               sync.RWMutex
	dumpFile         string
}

type RequestRecord struct {
	ID        uint64    `json:"id"`
	Route     string    `json:"route"`
	Method    string    `json:"method"`
	Path      string    `json:"path"`
	SrcAddr   string    `json:"src_addr"`
	StartTime time.Time `json:"start_time"`
}

func NewRequestRecordList(dumpFile string) *RequestRecordList {
	return &RequestRecordList{
		recordAddChan:    make(chan *RequestRecord, 500),
		recordRemoveChan: make(chan *RequestRecord, 500),
		records:          make(map[uint64]*RequestRecord, 500),
		dumpFile:         dumpFile,
	}
}

func (l *RequestRecordList) Run(done <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(dumpInterval)
		defer ticker.Stop()

		for {
			select {
			case record := <-l.recordAddChan:
				l.Add(record)
			case record := <-l.recordRemoveChan:
				l.Remove(record)
			case <-ticker.C:
				l.Dump()
			case <-done:
				l.Dump()
				return
			}
		}
	}()
}

func (l *RequestRecordList) Add(record *RequestRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()

	r := *record
	if r.StartTime.IsZero() {
		r.StartTime = time.Now()
	}
	l.records[r.ID] = &r
}

func (l *RequestRecordList) Remove(record *RequestRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.records, record.ID)
}

// Snapshot returns the in-flight requests, newest first.
func (l *RequestRecordList) Snapshot() []RequestRecord {
	l.mu.RLock()
	out := make([]RequestRecord, 0, len(l.records))
	for _, r := range l.records {
		out = append(out, *r)
	}
	l.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].StartTime.After(out[j].StartTime)
	})
	return out
}

func (l *RequestRecordList) Dump() {
	f, err := os.Create(l.dumpFile)
	if err != nil {
		slog.Error("os.Create", slog.Any("error", err))
		return
	}
	defer func() {
		if err := f.Close(); err != nil {
			slog.Error("os.File.Close", slog.Any("error", err))
		}
	}()

	w := bufio.NewWriter(f)
	defer func() {
		if err := w.Flush(); err != nil {
			slog.Error("bufio.Writer.Flush", slog.Any("error", err))
		}
	}()

	for _, record := range l.Snapshot() {
		duration := time.Since(record.StartTime)
		_, err := fmt.Fprintf(w, "%d %s %s %s %s %d\n",
			record.ID, record.Route, record.Method, record.Path, record.SrcAddr, int(duration.Seconds()))
		if err != nil {
			slog.Error("Dump fmt.Fprintf", slog.Any("error", err))
			return
		}
	}
}
