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

type PassReason string

const (
	PassNotHTML       PassReason = "NOT-HTML"
	PassEncoded       PassReason = "ENCODED"
	PassNoBody        PassReason = "NO-BODY"
	PassRewriteFailed PassReason = "REWRITE-FAILED"
)

// PassThroughRecordList counts responses delivered without rewriting, per
// route and reason.
type PassThroughRecordList struct {
	recordAddChan chan *PassThroughRecord
	records       map[string]*PassThroughRecord
	mu            sync.RWMutex
	dumpFile      string
}

type PassThroughRecord struct {
	Route    string     `json:"route"`
	Reason   PassReason `json:"reason"`
	Count    int        `json:"count"`
	LastPath string     `json:"last_path"`
}

func NewPassThroughRecordList(dumpFile string) *PassThroughRecordList {
	return &PassThroughRecordList{
		recordAddChan: make(chan *PassThroughRecord, 100),
		records:       make(map[string]*PassThroughRecord, 16),
		dumpFile:      dumpFile,
	}
}

func (l *PassThroughRecordList) Run(done <-chan struct{}) {
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

func (l *PassThroughRecordList) Add(record *PassThroughRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := record.Route + "|" + string(record.Reason)
	if r, exists := l.records[key]; exists {
		r.Count++
		r.LastPath = record.LastPath
	} else {
		l.records[key] = &PassThroughRecord{
			Route:    record.Route,
			Reason:   record.Reason,
			Count:    1,
			LastPath: record.LastPath,
		}
	}
}

func (l *PassThroughRecordList) Snapshot() []PassThroughRecord {
	l.mu.RLock()
	out := make([]PassThroughRecord, 0, len(l.records))
	for _, r := range l.records {
		out = append(out, *r)
	}
	l.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		if out[i].Route != out[j].Route {
			return out[i].Route < out[j].Route
		}
		return out[i].Reason < out[j].Reason
	})
	return out
}

func (l *PassThroughRecordList) Dump() {
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
		_, err := fmt.Fprintf(w, "%s %s %d %s\n",
			record.Route, record.Reason, record.Count, record.LastPath)
		if err != nil {
			slog.Error("Dump fmt.Fprintf", slog.Any("error", err))
		}
	}
}
