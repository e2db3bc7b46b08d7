package statistics

import (
	"sync"
	"time"

	"github.com/sunbk201/idmask/internal/log"
)

var dumpInterval = 5 * time.Second

type Recorder struct {
	RewriteRecordList     *RewriteRecordList
	PassThroughRecordList *PassThroughRecordList
	RequestRecordList     *RequestRecordList

	done      chan struct{}
	closeOnce sync.Once
}

// New returns a Recorder dumping its lists into dir (the log directory if
// dir is empty).
func New(dir string) *Recorder {
	return &Recorder{
		RewriteRecordList:     NewRewriteRecordList(log.GetStatsFilePath(dir, "rewrite_stats")),
		PassThroughRecordList: NewPassThroughRecordList(log.GetStatsFilePath(dir, "pass_stats")),
		RequestRecordList:     NewRequestRecordList(log.GetStatsFilePath(dir, "request_stats")),
		done:                  make(chan struct{}),
	}
}

func (r *Recorder) Start() {
	r.RewriteRecordList.Run(r.done)
	r.PassThroughRecordList.Run(r.done)
	r.RequestRecordList.Run(r.done)
}

// Close stops the workers; each list is dumped one last time.
func (r *Recorder) Close() error {
	r.closeOnce.Do(func() {
		close(r.done)
	})
	return nil
}

// The Add helpers never block the request path: when a queue is full the
// record is dropped.

func (r *Recorder) AddRewriteRecord(record *RewriteRecord) {
	select {
	case r.RewriteRecordList.recordAddChan <- record:
	default:
	}
}

func (r *Recorder) AddPassThroughRecord(record *PassThroughRecord) {
	select {
	case r.PassThroughRecordList.recordAddChan <- record:
	default:
	}
}

func (r *Recorder) AddRequest(record *RequestRecord) {
	select {
	case r.RequestRecordList.recordAddChan <- record:
	default:
	}
}

func (r *Recorder) RemoveRequest(record *RequestRecord) {
	select {
	case r.RequestRecordList.recordRemoveChan <- record:
	default:
	}
}
