package snapshot

// ============================================================================
// 職責說明：
// 1. 將 coordinator 狀態序列化為 JSON status 檔
// 2. 使用原子性寫入（temp file + rename）防止讀到一半的檔案
// 3. 載入時驗證 schema 版本相容性
// 4. 供 `pyramid status` 在另一個 process 中查詢
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ChuLiYu/pyramid-gp/pkg/types"
)

// SchemaVersion 目前的 status 檔版本
const SchemaVersion = 1

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	ErrCorruptedSnapshot   = errors.New("snapshot file is corrupted")
	ErrIncompatibleVersion = errors.New("snapshot schema version is incompatible")
	ErrSnapshotNotFound    = errors.New("snapshot file not found")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Manager 狀態快照管理器
type Manager struct {
	path string     // 快照檔案路徑
	mu   sync.Mutex // 保護檔案操作
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewManager 建立快照管理器實例
func NewManager(path string) *Manager {
	return &Manager{
		path: path,
	}
}

// Write 原子性寫入快照
//
// 使用原子性寫入流程：
// 1. 寫入同目錄下的臨時檔案（.tmp）
// 2. 使用 os.Rename 原子性替換原始檔案
func (m *Manager) Write(status types.CoordinatorStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	status.SchemaVer = SchemaVersion

	// 帶縮排，方便人工閱讀
	jsonBytes, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	if dir := filepath.Dir(m.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create snapshot directory: %w", err)
		}
	}

	tmpPath := m.path + ".tmp"
	if err := os.WriteFile(tmpPath, jsonBytes, 0o644); err != nil {
		return fmt.Errorf("failed to write temp snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename snapshot: %w", err)
	}
	return nil
}

// WriteStatus 讓 Manager 可以直接掛在 coordinator 上
func (m *Manager) WriteStatus(status types.CoordinatorStatus) error {
	return m.Write(status)
}

// Load 載入快照
//
// 行為：
//   - 檔案不存在時回傳 ErrSnapshotNotFound（coordinator 尚未啟動）
//   - 驗證 schema 版本是否相容
//   - 偵測損壞的快照檔案
func (m *Manager) Load() (types.CoordinatorStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var status types.CoordinatorStatus

	jsonBytes, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return status, fmt.Errorf("%w: %s", ErrSnapshotNotFound, m.path)
		}
		return status, fmt.Errorf("failed to read snapshot: %w", err)
	}

	if err := json.Unmarshal(jsonBytes, &status); err != nil {
		return status, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}

	if status.SchemaVer != SchemaVersion {
		return status, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, status.SchemaVer, SchemaVersion)
	}
	return status, nil
}

// Exists 檢查快照檔案是否存在
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// GetPath 取得快照檔案路徑（用於測試與除錯）
func (m *Manager) GetPath() string {
	return m.path
}
