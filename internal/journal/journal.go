package journal

// ============================================================================
// 協調事件 Journal
// 職責：
// 1. 以 JSONL 追加 coordinator 發出的事件（append-only）
// 2. 批次寫入，在 epoch 邊界、緩衝區滿、逾時或關閉時 flush
// 3. 重放時驗證每筆 checksum
// 4. 支援旋轉（新的一次執行從空檔案開始）
// ============================================================================

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/ChuLiYu/pyramid-gp/pkg/types"
)

var log = slog.Default()

// FileInterface 定義檔案操作所需的方法，測試可替換
type FileInterface interface {
	Write(p []byte) (n int, err error)
	Sync() error
	Close() error
}

// Options 控制 flush 行為
type Options struct {
	SyncOnFlush   bool          // flush 後是否 fsync
	BufferSize    int           // 緩衝筆數上限，預設 256
	FlushInterval time.Duration // 最長緩衝時間，預設 1s
}

// Journal 協調事件日誌
type Journal struct {
	mu      sync.Mutex
	file    FileInterface
	encoder *json.Encoder
	path    string
	seq     uint64
	opts    Options
	closed  bool

	buffer        []Record
	lastFlushTime time.Time
}

// ============================================================================
// 公開介面
// ============================================================================

/*
Open 建立或開啟一個 journal

行為：
- 檔案不存在時建立，seq 從 0 開始
- 檔案已存在時讀取最後一筆的 seq 並繼續
- 以 O_APPEND 開啟，寫入不覆蓋
*/
func Open(path string, opts Options) (*Journal, error) {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 256
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = time.Second
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	var seq uint64
	if stat, statErr := file.Stat(); statErr == nil && stat.Size() > 0 {
		last, err := LastRecord(path)
		if err != nil {
			log.Warn("Journal tail unreadable", "path", path, "error", err)
		}
		if last != nil {
			seq = last.Seq
		}
	}

	return &Journal{
		file:          file,
		encoder:       json.NewEncoder(file),
		path:          path,
		seq:           seq,
		opts:          opts,
		buffer:        make([]Record, 0, opts.BufferSize),
		lastFlushTime: time.Now(),
	}, nil
}

// Path returns the journal file path.
func (j *Journal) Path() string {
	return j.path
}

// Append 追加一筆事件
//
// EPOCH 事件會觸發 flush，讓每個 epoch 的結果完整落地
func (j *Journal) Append(ev types.Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return ErrClosed
	}

	j.seq++
	j.buffer = append(j.buffer, newRecord(j.seq, ev))

	needFlush := ev.Type == types.EventEpoch ||
		len(j.buffer) >= j.opts.BufferSize ||
		time.Since(j.lastFlushTime) > j.opts.FlushInterval
	if needFlush {
		return j.flushLocked()
	}
	return nil
}

// Observe 讓 journal 成為 coordinator 的 observer，寫入錯誤只記錄不中斷
func (j *Journal) Observe(ev types.Event) {
	if err := j.Append(ev); err != nil {
		log.Error("Journal append failed", "type", ev.Type, "pid", ev.PID, "error", err)
	}
}

// Flush 立即寫出緩衝區
func (j *Journal) Flush() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrClosed
	}
	return j.flushLocked()
}

// LastSeq 取得目前的序號
func (j *Journal) LastSeq() uint64 {
	if j == nil {
		return 0
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.seq
}

// Rotate 將現有檔案改名為帶時間戳的備份，並從空檔案重新開始
//
// 回傳備份路徑；檔案為空時不旋轉，回傳空字串
func (j *Journal) Rotate() (string, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return "", ErrClosed
	}
	if err := j.flushLocked(); err != nil {
		return "", err
	}
	if j.seq == 0 {
		return "", nil
	}
	if err := j.file.Close(); err != nil {
		return "", err
	}

	backupPath := j.path + "." + time.Now().Format("20060102_150405.000")
	if err := os.Rename(j.path, backupPath); err != nil {
		return "", err
	}

	file, err := os.OpenFile(j.path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return "", err
	}
	j.file = file
	j.encoder = json.NewEncoder(file)
	j.seq = 0
	j.buffer = j.buffer[:0]
	j.lastFlushTime = time.Now()

	log.Info("Journal rotated", "backup", backupPath)
	return backupPath, nil
}

// Close flush 後關閉檔案，關閉後的 journal 不可再使用
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return nil
	}
	j.closed = true

	flushErr := j.flushLocked()
	return errors.Join(flushErr, j.file.Close())
}

// flushLocked 假設呼叫者已持有 j.mu
func (j *Journal) flushLocked() error {
	for _, rec := range j.buffer {
		if err := j.encoder.Encode(rec); err != nil {
			return fmt.Errorf("journal: encode seq=%d: %w", rec.Seq, err)
		}
	}
	j.buffer = j.buffer[:0]
	j.lastFlushTime = time.Now()
	if j.opts.SyncOnFlush {
		if err := j.file.Sync(); err != nil {
			return fmt.Errorf("journal: sync: %w", err)
		}
	}
	return nil
}

// ============================================================================
// 讀取
// ============================================================================

// Replay 從頭讀取 journal，驗證 checksum 後交給 handler
//
// 遇到損壞或 checksum 錯誤立即停止
func Replay(path string, handler Handler) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return ReplayFrom(f, handler)
}

// ReplayFrom 與 Replay 相同，但讀取任意 reader
func ReplayFrom(r io.Reader, handler Handler) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for line := 1; sc.Scan(); line++ {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			return &CorruptionError{Line: line, Cause: err}
		}
		if !Verify(rec) {
			return &ChecksumError{Seq: rec.Seq, Expected: Checksum(rec), Actual: rec.Checksum}
		}
		if err := handler(rec); err != nil {
			return err
		}
	}
	return sc.Err()
}

// LastRecord 掃描整個檔案並回傳最後一筆有效紀錄，空檔案回傳 nil
func LastRecord(path string) (*Record, error) {
	var last *Record
	err := Replay(path, func(rec Record) error {
		last = &rec
		return nil
	})
	return last, err
}

// Dump 以人類可讀格式輸出 journal
//
//	[seq:1] SPAWN pid=4242 epoch=0 at 2024-01-01T00:00:00.000
func Dump(path string, w io.Writer) error {
	return Replay(path, func(rec Record) error {
		_, err := fmt.Fprintln(w, formatRecord(rec))
		return err
	})
}

func formatRecord(rec Record) string {
	s := fmt.Sprintf("[seq:%d] %s", rec.Seq, rec.Type)
	if rec.PID != 0 {
		s += fmt.Sprintf(" pid=%d", rec.PID)
	}
	s += fmt.Sprintf(" epoch=%d", rec.Epoch)
	if rec.Phase != "" {
		s += " phase=" + rec.Phase
	}
	switch rec.Type {
	case types.EventReport, types.EventCutoff, types.EventPrune, types.EventSurvivor:
		s += fmt.Sprintf(" fitness=%g", float64(rec.Value))
	case types.EventStat:
		s += fmt.Sprintf(" %s[%d]=%g", rec.Stat, rec.Generation, float64(rec.Value))
	case types.EventEpoch:
		s += fmt.Sprintf(" generations=%g", float64(rec.Value))
	}
	if rec.Count != 0 {
		s += fmt.Sprintf(" count=%d", rec.Count)
	}
	if rec.Reason != "" {
		s += fmt.Sprintf(" reason=%q", rec.Reason)
	}
	return s + " at " + time.UnixMilli(rec.Timestamp).Format("2006-01-02T15:04:05.000")
}

// ============================================================================
// 統計
// ============================================================================

// Stats 統計資訊
type Stats struct {
	TotalRecords int                     // 總筆數
	ByType       map[types.EventType]int // 各類型計數
	FirstSeq     uint64
	LastSeq      uint64
	TimeRange    [2]int64 // [最早, 最晚] Unix 毫秒
	Epochs       int      // 最大 epoch
}

// Summarize 掃描 journal 並回傳統計
func Summarize(path string) (*Stats, error) {
	st := &Stats{ByType: make(map[types.EventType]int)}
	err := Replay(path, func(rec Record) error {
		if st.TotalRecords == 0 {
			st.FirstSeq = rec.Seq
			st.TimeRange[0] = rec.Timestamp
		}
		st.TotalRecords++
		st.ByType[rec.Type]++
		st.LastSeq = rec.Seq
		st.TimeRange[0] = min(st.TimeRange[0], rec.Timestamp)
		st.TimeRange[1] = max(st.TimeRange[1], rec.Timestamp)
		st.Epochs = max(st.Epochs, rec.Epoch)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}
