package device

import (
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
)

// Registry 负责维护已注册设备，按 (vendorID, productID) 唯一索引。
// 内部 map 不对外暴露，所有操作互斥。
type Registry struct {
	mu      sync.RWMutex
	devices map[Key]*Device
}

// NewRegistry 构建空的设备注册表。
func NewRegistry() *Registry {
	return &Registry{devices: make(map[Key]*Device)}
}

// Add 注册设备；已存在时保留原条目并返回 false。
func (r *Registry) Add(vendorID, productID int) (*Device, bool) {
	key := Key{VendorID: vendorID, ProductID: productID}
	r.mu.Lock()
	defer r.mu.Unlock()
	if dev, ok := r.devices[key]; ok {
		return dev, false
	}
	dev := New(key)
	r.devices[key] = dev
	log.Info().Str("device", key.String()).Msg("device registered")
	return dev, true
}

// Register 登记一个已构建的设备句柄；键已存在时保留原条目并返回 false。
func (r *Registry) Register(dev *Device) (*Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.devices[dev.key]; ok {
		return cur, false
	}
	r.devices[dev.key] = dev
	log.Info().Str("device", dev.key.String()).Msg("device registered")
	return dev, true
}

// Remove 删除设备，不存在时为空操作。
func (r *Registry) Remove(vendorID, productID int) (*Device, bool) {
	key := Key{VendorID: vendorID, ProductID: productID}
	r.mu.Lock()
	defer r.mu.Unlock()
	dev, ok := r.devices[key]
	if !ok {
		return nil, false
	}
	delete(r.devices, key)
	log.Info().Str("device", key.String()).Msg("device removed from registry")
	return dev, true
}

// Get 返回设备句柄。
func (r *Registry) Get(vendorID, productID int) (*Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	dev, ok := r.devices[Key{VendorID: vendorID, ProductID: productID}]
	return dev, ok
}

// List 返回按键排序的设备句柄快照，释放锁后可安全遍历。
func (r *Registry) List() []*Device {
	r.mu.RLock()
	result := make([]*Device, 0, len(r.devices))
	for _, dev := range r.devices {
		result = append(result, dev)
	}
	r.mu.RUnlock()
	sort.Slice(result, func(i, j int) bool {
		a, b := result[i].key, result[j].key
		if a.VendorID != b.VendorID {
			return a.VendorID < b.VendorID
		}
		return a.ProductID < b.ProductID
	})
	return result
}

// Snapshots 返回所有设备状态的值拷贝。
func (r *Registry) Snapshots() []Snapshot {
	devices := r.List()
	result := make([]Snapshot, 0, len(devices))
	for _, dev := range devices {
		result = append(result, dev.Snapshot())
	}
	return result
}

// Len 返回注册设备数量。
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}
