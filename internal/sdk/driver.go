package sdk

import (
	"fmt"
	"sort"
	"sync"
)

// DriverCreator はドライバー作成関数の型
type DriverCreator func() (Driver, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]DriverCreator)
)

// Register はドライバー作成関数を登録する
func Register(name string, creator DriverCreator) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = creator
}

// NewDriver は登録済みのドライバーを作成する
func NewDriver(name string) (Driver, error) {
	registryMu.RLock()
	creator, exists := registry[name]
	registryMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("サポートされていないドライバー: %s (利用可能: %v)", name, Drivers())
	}

	return creator()
}

// Drivers は登録済みのドライバー名を返す
func Drivers() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
