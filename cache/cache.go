package cache

import (
	"sync"
	"time"

	"github.com/karlseguin/ccache/v3"

	"github.com/xeptore/ondusd/ondus/device"
)

var (
	DefaultDeviceStateTTL = 24 * time.Hour
	DefaultApplianceTTL   = 24 * time.Hour
)

type Cache struct {
	DeviceStates DeviceStatesCache
	Appliances   AppliancesCache
}

func New() *Cache {
	deviceStatesCache := ccache.New(
		ccache.Configure[device.Snapshot]().
			MaxSize(1000).
			GetsPerPromote(3).
			ItemsToPrune(1),
	)

	appliancesCache := ccache.New(
		ccache.Configure[*device.Appliance]().
			MaxSize(1000).
			GetsPerPromote(3).
			ItemsToPrune(1),
	)

	return &Cache{
		DeviceStates: DeviceStatesCache{
			c:   deviceStatesCache,
			mux: sync.Mutex{},
		},
		Appliances: AppliancesCache{
			c:   appliancesCache,
			mux: sync.Mutex{},
		},
	}
}

// DeviceStatesCache keeps the last flattened data_latest per appliance so a
// poll can tell changed appliances from quiet ones.
type DeviceStatesCache struct {
	c   *ccache.Cache[device.Snapshot]
	mux sync.Mutex
}

func (c *DeviceStatesCache) Get(k string) (device.Snapshot, bool) {
	c.mux.Lock()
	defer c.mux.Unlock()
	item := c.c.Get(k)
	if nil == item || item.Expired() {
		return nil, false
	}
	return item.Value(), true
}

func (c *DeviceStatesCache) Set(k string, snapshot device.Snapshot, ttl time.Duration) {
	c.mux.Lock()
	defer c.mux.Unlock()
	c.c.Set(k, snapshot, ttl)
}

// AppliancesCache keeps the last seen appliance record per id, mainly to
// spot newly appearing appliances.
type AppliancesCache struct {
	c   *ccache.Cache[*device.Appliance]
	mux sync.Mutex
}

func (c *AppliancesCache) Get(k string) (*device.Appliance, bool) {
	c.mux.Lock()
	defer c.mux.Unlock()
	item := c.c.Get(k)
	if nil == item || item.Expired() {
		return nil, false
	}
	return item.Value(), true
}

func (c *AppliancesCache) Set(k string, appliance *device.Appliance, ttl time.Duration) {
	c.mux.Lock()
	defer c.mux.Unlock()
	c.c.Set(k, appliance, ttl)
}
