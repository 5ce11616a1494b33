// Package types 定義了 pyramid 系統中跨模組共用的領域模型
package types

import (
	"encoding/json"
	"math"
	"strconv"
	"time"
)

// EventType 協調事件類型
type EventType string

// 定義協調事件常數
const (
	EventSpawn    EventType = "SPAWN"    // island process 已啟動
	EventAttach   EventType = "ATTACH"   // handshake 完成，transport 已綁定
	EventEpoch    EventType = "EPOCH"    // 新的 epoch 開始（廣播 EXECUTE_RUN）
	EventReport   EventType = "REPORT"   // 收到 FITNESS_REPORT
	EventCutoff   EventType = "CUTOFF"   // 計算出本輪淘汰門檻
	EventPrune    EventType = "PRUNE"    // 對 island 發送 PRUNE
	EventRetire   EventType = "RETIRE"   // island 從 fleet 中移除
	EventSurvivor EventType = "SURVIVOR" // 最後存活者收到 unbounded EXECUTE_RUN
	EventStat     EventType = "STAT"     // island 回報的遙測數據
	EventPhase    EventType = "PHASE"    // 協調階段轉換
)

// Event 一筆協調事件，由 coordinator 發出，journal / metrics / health 消費
type Event struct {
	Type  EventType `json:"type"`
	PID   int       `json:"pid,omitempty"`   // 相關 island 的 process id（fleet 層級事件為 0）
	Epoch int       `json:"epoch"`           // 事件發生時的 epoch 編號
	Phase string    `json:"phase,omitempty"` // 事件發生後的協調階段

	// 數值欄位：fitness、cutoff、遙測值，依 Type 而定
	Value      float64 `json:"value,omitempty"`
	Generation int32   `json:"generation,omitempty"` // STAT 事件的 generation 編號
	Stat       string  `json:"stat,omitempty"`       // STAT 事件的種類（AVERAGE_FITNESS ...）
	Count      int     `json:"count,omitempty"`      // CUTOFF: 本輪淘汰數量；EPOCH: 活躍 island 數量

	Reason string    `json:"reason,omitempty"` // RETIRE 的原因
	Time   time.Time `json:"time"`
}

// IslandState island 在 coordinator 眼中的狀態
type IslandState string

const (
	IslandPending  IslandState = "pending"  // 已啟動但尚未完成 handshake
	IslandRunning  IslandState = "running"  // 正在執行 generation batch 或等待評估
	IslandReported IslandState = "reported" // 本輪已回報 fitness
	IslandPruned   IslandState = "pruned"   // 已收到 PRUNE，等待結束
	IslandSurvivor IslandState = "survivor" // 最後存活者，無限制執行中
)

// IslandStatus 單一 island 的狀態快照
type IslandStatus struct {
	PID        int         `json:"pid"`
	State      IslandState `json:"state"`
	Fitness    Float       `json:"fitness"`
	HasFitness bool        `json:"has_fitness"` // 尚未回報前 Fitness 無意義
}

// CoordinatorStatus 協調器的狀態快照，寫入 status 檔供外部查詢
type CoordinatorStatus struct {
	Phase      string         `json:"phase"`
	Epoch      int            `json:"epoch"`
	Active     int            `json:"active"`
	Islands    []IslandStatus `json:"islands"`
	LastCutoff *Float         `json:"last_cutoff,omitempty"`
	Survivor   int            `json:"survivor,omitempty"`
	SchemaVer  int            `json:"schema_ver"` // 資料結構版本號，用於向後相容性
	UpdatedAt  int64          `json:"updated_at"` // Unix 毫秒
}

// Float 可以在 JSON 中表示 NaN 與 ±Inf 的 float64（壞掉的 island 可能回報這些值）
type Float float64

func (f Float) MarshalJSON() ([]byte, error) {
	v := float64(f)
	switch {
	case math.IsNaN(v):
		return []byte(`"NaN"`), nil
	case math.IsInf(v, 1):
		return []byte(`"+Inf"`), nil
	case math.IsInf(v, -1):
		return []byte(`"-Inf"`), nil
	}
	return json.Marshal(v)
}

func (f *Float) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return err
		}
		*f = Float(v)
		return nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*f = Float(v)
	return nil
}
