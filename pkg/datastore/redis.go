package datastore

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"

	"github.com/conduit-network/conduit/pkg/netconf"
	"github.com/conduit-network/conduit/pkg/schema"
	"github.com/conduit-network/conduit/pkg/util"
)

// redisKey is the hash holding the serialized datastores: one field
// per datastore name.
const redisKey = "conduit|datastore"

// Redis is a datastore persisted to redis. The tree engine is the
// in-memory store; every mutation writes the serialized tree through
// to a redis hash so running and candidate survive restarts.
type Redis struct {
	mem    *Memory
	client *redis.Client
	ctx    context.Context
}

// NewRedis connects to redis and loads any persisted datastores.
func NewRedis(addr string) (*Redis, error) {
	r := &Redis{
		mem: NewMemory(),
		client: redis.NewClient(&redis.Options{
			Addr: addr,
		}),
		ctx: context.Background(),
	}
	if err := r.client.Ping(r.ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis %s: %w", addr, err)
	}
	if err := r.load(); err != nil {
		return nil, err
	}
	return r, nil
}

// Close closes the redis connection.
func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) load() error {
	vals, err := r.client.HGetAll(r.ctx, redisKey).Result()
	if err != nil {
		return fmt.Errorf("redis load: %w", err)
	}
	for ds, xmlText := range vals {
		if _, ok := r.mem.trees[ds]; !ok {
			continue
		}
		tree, err := netconf.Parse([]byte(xmlText))
		if err != nil {
			return fmt.Errorf("%w: persisted datastore %s: %v", util.ErrInternal, ds, err)
		}
		r.mem.trees[ds] = tree
	}
	return nil
}

func (r *Redis) persist(names ...string) error {
	fields := make(map[string]interface{}, len(names))
	for _, ds := range names {
		fields[ds] = r.mem.trees[ds].String()
	}
	if err := r.client.HSet(r.ctx, redisKey, fields).Err(); err != nil {
		return fmt.Errorf("redis persist: %w", err)
	}
	return nil
}

// DeviceRoot returns a copy of the device's mounted subtree.
func (r *Redis) DeviceRoot(ds, device string) (*netconf.Node, error) {
	return r.mem.DeviceRoot(ds, device)
}

// PutDeviceRoot replaces the device's mounted subtree.
func (r *Redis) PutDeviceRoot(ds, device string, root *netconf.Node) error {
	if err := r.mem.PutDeviceRoot(ds, device, root); err != nil {
		return err
	}
	return r.persist(ds)
}

// DeleteDevice removes the device subtree.
func (r *Redis) DeleteDevice(ds, device string) error {
	if err := r.mem.DeleteDevice(ds, device); err != nil {
		return err
	}
	return r.persist(ds)
}

// Devices lists device names in the datastore.
func (r *Redis) Devices(ds string) ([]string, error) {
	return r.mem.Devices(ds)
}

// Copy replaces dst with a copy of src.
func (r *Redis) Copy(src, dst string) error {
	if err := r.mem.Copy(src, dst); err != nil {
		return err
	}
	return r.persist(dst)
}

// Commit validates candidate and replaces running with it.
func (r *Redis) Commit(level ValidateLevel) error {
	if err := r.mem.Commit(level); err != nil {
		return err
	}
	return r.persist(Running)
}

// Discard resets candidate from running.
func (r *Redis) Discard() error {
	if err := r.mem.Discard(); err != nil {
		return err
	}
	return r.persist(Candidate)
}

// Mount binds a compiled schema set at the device mount point.
func (r *Redis) Mount(device string, set *schema.Set) {
	r.mem.Mount(device, set)
}

// Mounted returns the mounted schema set for the device.
func (r *Redis) Mounted(device string) *schema.Set {
	return r.mem.Mounted(device)
}
