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

// RewriteRecordList aggregates successfully rewritten documents per route.
type RewriteRecordList struct {
	recordAddChan chan *RewriteRecord
	records       map[string]*RewriteRecord
	mu            sync.RWMutex

	dumpRecords []*RewriteRecord
	dumpFile    string
	dumpWriter  *bufio.Writer
}

type RewriteRecord struct {
	Route    string    `json:"route"`
	Count    int       `json:"count"`
	IDs      int       `json:"ids"`
	Bytes    int64     `json:"bytes"`
	Cached   int       `json:"cached"`
	LastPath string    `json:"last_path"`
	LastSeen time.Time `json:"last_seen"`
}

func NewRewriteRecordList(dumpFile string) *RewriteRecordList {
	return &RewriteRecordList{
		recordAddChan: make(chan *RewriteRecord, 100),
		records:       make(map[string]*RewriteRecord, 16),
		dumpRecords:   make([]*RewriteRecord, 0, 16),
		dumpFile:      dumpFile,
		dumpWriter:    bufio.NewWriter(nil),
	}
}

func (l *RewriteRecordList) Run(done <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(dumpInterval)
		defer ticker.Stop()

		for {
			select {
			case record := <-l.recordAddChan:
				l.Add(record)
			case <-ticker.C:
				l.Dump()
			case <-done:
				l.Dump()
				return
			}
		}
	}()
}

// Add folds record into the per-route aggregate. Count, Cached and IDs in
// record are increments.
func (l *RewriteRecordList) Add(record *RewriteRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()

	seen := record.LastSeen
	if seen.IsZero() {
		seen = time.Now()
	}
	count := record.Count
	if count == 0 {
		count = 1
	}

	r, exists := l.records[record.Route]
	if !exists {
		r = &RewriteRecord{Route: record.Route}
		l.records[record.Route] = r
	}
	r.Count += count
	r.Cached += record.Cached
	r.IDs += record.IDs
	r.Bytes += record.Bytes
	r.LastPath = record.LastPath
	r.LastSeen = seen
}

// Snapshot returns copies of all records, busiest route first.
func (l *RewriteRecordList) Snapshot() []RewriteRecord {
	l.mu.RLock()
	out := make([]RewriteRecord, 0, len(l.records))
	for _, r := range l.records {
		out = append(out, *r)
	}
	l.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Route < out[j].Route
	})
	return out
}

func (l *RewriteRecordList) Dump() {
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

	l.dumpRecords = l.dumpRecords[:0]
	for _, r := range l.Snapshot() {
		r := r
		l.dumpRecords = append(l.dumpRecords, &r)
	}

	l.dumpWriter.Reset(f)
	defer func() {
		if err := l.dumpWriter.Flush(); err != nil {
			slog.Error("bufio.Writer.Flush", slog.Any("error", err))
		}
	}()

	for _, record := range l.dumpRecords {
		_, err := fmt.Fprintf(l.dumpWriter, "%s %d %d %d %d %s\n",
			record.Route, record.Count, record.Cached, record.IDs, record.Bytes, record.LastPath)
		if err != nil {
			slog.Error("Dump fmt.Fprintf", slog.Any("error", err))
		}
	}
}
